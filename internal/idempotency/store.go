// Package idempotency replays the stored response of an escrow call when a
// client retries it with the same key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record is the response of one completed call.
type Record struct {
	Operation   string    `json:"operation"`
	Caller      string    `json:"caller"`
	RequestHash string    `json:"requestHash"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Matches reports whether body is the same request the record was made for.
func (r *Record) Matches(body []byte) bool {
	return r.RequestHash == HashRequest(body)
}

// Expired reports whether the record no longer guards its key at t.
func (r *Record) Expired(t time.Time) bool {
	return !t.Before(r.ExpiresAt)
}

// Store keeps records by key. Get returns (nil, nil) for unknown or expired
// keys. Save does not replace a live record: the first response stored under
// a key is the one every retry sees.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Key scopes a client supplied key to the caller and operation so two
// participants cannot collide on the same value.
func Key(caller, operation, clientKey string) string {
	return strings.ToLower(caller) + "|" + operation + "|" + clientKey
}

func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type table map[string]Record

func (t table) lookup(key string, now time.Time) (*Record, bool) {
	rec, ok := t[key]
	if !ok || rec.Expired(now) {
		return nil, false
	}
	return &rec, true
}

// put stores rec unless a live record holds key. It reports whether rec was
// stored.
func (t table) put(key string, rec Record, now time.Time) bool {
	if _, live := t.lookup(key, now); live {
		return false
	}
	t[key] = rec
	return true
}

func (t table) prune(now time.Time) int {
	n := 0
	for k, rec := range t {
		if rec.Expired(now) {
			delete(t, k)
			n++
		}
	}
	return n
}

// MemoryStore keeps records in process. Used by tests and single-run demos.
type MemoryStore struct {
	mu   sync.Mutex
	rows table
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(table), now: time.Now}
}

// WithClock makes expiry follow now instead of the wall clock.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, _ := m.rows.lookup(key, m.now())
	return rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.rows.prune(now)
	m.rows.put(key, record, now)
	return nil
}

// FileStore keeps records in a JSON file for single-node deployments. The
// file is rewritten through a temporary sibling so a crash leaves either the
// old or the new snapshot.
type FileStore struct {
	mu   sync.Mutex
	path string
	rows table
	now  func() time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("idempotency: file path is empty")
	}
	f := &FileStore{path: path, rows: make(table), now: time.Now}
	blob, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("idempotency: read %s: %w", path, err)
	case len(blob) == 0:
		return f, nil
	}
	if err := json.Unmarshal(blob, &f.rows); err != nil {
		return nil, fmt.Errorf("idempotency: decode %s: %w", path, err)
	}
	return f, nil
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, _ := f.rows.lookup(key, f.now())
	return rec, nil
}

// Save also drops expired records; the file only ever holds live keys.
func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	pruned := f.rows.prune(now)
	if !f.rows.put(key, record, now) && pruned == 0 {
		return nil
	}
	return f.flush()
}

func (f *FileStore) flush() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.rows, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
