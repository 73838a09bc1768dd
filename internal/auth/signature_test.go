package auth

import (
	"crypto/ecdsa"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func signedRequest(t *testing.T, key *ecdsa.PrivateKey, now time.Time, path, body string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := Sign(key, Message(ts, http.MethodPost, path, []byte(body)))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(HeaderSignature, hexutil.Encode(sig))
	req.Header.Set(HeaderTimestamp, ts)
	return req
}

func serve(v *Verifier, req *http.Request) (*httptest.ResponseRecorder, common.Address) {
	rec := httptest.NewRecorder()
	var caller common.Address
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = CallerFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	v.Middleware(handler).ServeHTTP(rec, req)
	return rec, caller
}

func TestMiddleware_RecoversSigner(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := signedRequest(t, key, now, "/api/v1/escrow/release", `{}`)
	req.Header.Set(HeaderCaller, crypto.PubkeyToAddress(key.PublicKey).Hex())
	rec, caller := serve(v, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if caller != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("unexpected caller %s", caller.Hex())
	}
}

func TestMiddleware_BodyStillReadable(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}
	body := `{"agentFeePercent":2,"buyerFeePercent":48,"sellerFeePercent":50}`

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		seen = buf.String()
	})
	v.Middleware(handler).ServeHTTP(httptest.NewRecorder(), signedRequest(t, key, now, "/api/v1/escrow/send-money", body))

	if seen != body {
		t.Fatalf("body not restored: %q", seen)
	}
}

func TestMiddleware_RejectsTamperedBody(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := signedRequest(t, key, now, "/api/v1/escrow/send-money", `{"agentFeePercent":2}`)
	req.Body = http.NoBody
	req.Header.Set(HeaderCaller, crypto.PubkeyToAddress(key.PublicKey).Hex())
	rec, _ := serve(v, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsOtherPath(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := signedRequest(t, key, now, "/api/v1/escrow/open-dispute", ``)
	req.URL.Path = "/api/v1/escrow/release"
	req.Header.Set(HeaderCaller, crypto.PubkeyToAddress(key.PublicKey).Hex())
	rec, _ := serve(v, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now.Add(2 * time.Minute) }}

	rec, _ := serve(v, signedRequest(t, key, now, "/x", ``))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), ErrStaleTimestamp.Error()) {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestMiddleware_RejectsMissingHeaders(t *testing.T) {
	v := &Verifier{MaxSkew: time.Minute}
	var rejected error
	v.OnReject = func(err error) { rejected = err }

	rec, _ := serve(v, httptest.NewRequest(http.MethodPost, "/x", nil))
	if rec.Code != http.StatusUnauthorized || rejected != ErrMissingSignature {
		t.Fatalf("expected missing signature, got %d %v", rec.Code, rejected)
	}
}

func TestMiddleware_InsecureTrustsHeader(t *testing.T) {
	v := &Verifier{Insecure: true}
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(HeaderCaller, "0x00000000000000000000000000000000000000b1")

	rec, caller := serve(v, req)
	if rec.Code != http.StatusOK || caller != common.HexToAddress("0xb1") {
		t.Fatalf("unexpected result %d %s", rec.Code, caller.Hex())
	}

	rec, _ = serve(v, httptest.NewRequest(http.MethodPost, "/x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without caller header, got %d", rec.Code)
	}
}

func TestRecoverAcceptsBothRecoveryForms(t *testing.T) {
	key, _ := crypto.GenerateKey()
	msg := []byte("hello")
	sig, err := Sign(key, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey)

	if got, err := Recover(msg, sig); err != nil || got != want {
		t.Fatalf("recover with v>=27: %s %v", got.Hex(), err)
	}
	sig[crypto.RecoveryIDOffset] -= 27
	if got, err := Recover(msg, sig); err != nil || got != want {
		t.Fatalf("recover with v<27: %s %v", got.Hex(), err)
	}
	if _, err := Recover(msg, sig[:10]); err == nil {
		t.Fatalf("expected error for short signature")
	}
}

func TestMiddleware_RejectsOversizedBody(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }, MaxBody: 16}

	var rejected error
	v.OnReject = func(err error) { rejected = err }

	req := signedRequest(t, key, now, "/api/v1/escrow/send-money", strings.Repeat("x", 64))
	rec, caller := serve(v, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	if caller != (common.Address{}) {
		t.Fatalf("handler reached with caller %s", caller.Hex())
	}
	if rejected != ErrBodyTooLarge {
		t.Fatalf("unexpected reject reason %v", rejected)
	}
}
