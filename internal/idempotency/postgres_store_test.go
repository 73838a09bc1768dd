package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Microsecond)
	store.now = func() time.Time { return now }

	key := Key("0xbuyer", "release", uuid.NewString())
	first := Record{
		Operation:   "release",
		Caller:      "0xbuyer",
		RequestHash: HashRequest(nil),
		StatusCode:  200,
		Response:    []byte("payload"),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Minute),
	}
	if err := store.Save(ctx, key, first); err != nil {
		t.Fatalf("save: %v", err)
	}

	second := first
	second.Response = []byte("other")
	if err := store.Save(ctx, key, second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || string(got.Response) != "payload" || got.Operation != "release" {
		t.Fatalf("unexpected record: %#v", got)
	}

	now = now.Add(2 * time.Minute)
	if got, err := store.Get(ctx, key); err != nil || got != nil {
		t.Fatalf("expired record served: %#v, %v", got, err)
	}
	purged, err := store.Purge(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged < 1 {
		t.Fatalf("expected the expired row to be purged, got %d", purged)
	}
}
