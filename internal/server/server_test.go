package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"salesescrow/internal/auth"
	"salesescrow/internal/config"
	"salesescrow/internal/escrow"
	"salesescrow/internal/idempotency"
	"salesescrow/internal/ledger"
	"salesescrow/internal/logging"
)

var (
	tokenAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	custodyAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	sellerAddr  = common.HexToAddress("0x0000000000000000000000000000000000000051")
	buyerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	agentAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a9")
)

type testEnv struct {
	srv    *Server
	ledger *ledger.Memory
	clock  *mutableClock
}

type mutableClock struct{ now time.Time }

func (c *mutableClock) Now(context.Context) (time.Time, error) { return c.now, nil }

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Service: config.ServiceConfig{
			HTTPPort:          0,
			ClockSkew:         time.Minute,
			IdempotencyWindow: time.Minute,
			DebugEndpoints:    true,
			InsecureAuth:      true,
		},
	}
}

func newTestEnv(t *testing.T, cfg *config.AppConfig, seller common.Address, deposit int64) *testEnv {
	t.Helper()
	led := ledger.NewMemory()
	if err := led.Mint(custodyAddr, big.NewInt(deposit)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	clock := &mutableClock{now: time.Unix(1_700_000_000, 0).UTC()}
	engine, err := escrow.Open(context.Background(), escrow.Terms{
		Token:              tokenAddr,
		Address:            custodyAddr,
		Seller:             seller,
		Buyer:              buyerAddr,
		Agent:              agentAddr,
		ContractAmount:     big.NewInt(1000),
		TimeExecutionDelta: 24 * time.Hour,
	}, escrow.Config{Ledger: led, Clock: clock})
	if err != nil {
		t.Fatalf("open escrow: %v", err)
	}
	srv := NewServer(Deps{
		Config:      cfg,
		Engine:      engine,
		Idempotency: idempotency.NewMemoryStore().WithClock(func() time.Time { return clock.now }),
		Now:         func() time.Time { return clock.now },
		Logger:      logging.NewTestLogger(),
	})
	return &testEnv{srv: srv, ledger: led, clock: clock}
}

func (e *testEnv) post(path string, caller common.Address, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(auth.HeaderCaller, caller.Hex())
	if key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestGetEscrow(t *testing.T) {
	env := newTestEnv(t, testConfig(), sellerAddr, 1000)

	rec := env.get("/api/v1/escrow")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var view escrowView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != 0 || view.StatusName != "DEPLOYED" {
		t.Fatalf("unexpected status %d %s", view.Status, view.StatusName)
	}
	if view.ContractAmount != "1000" || view.Balance != "1000" || view.TimeExecutionDelta != 86400 {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Agent != (common.Address{}).Hex() {
		t.Fatalf("agent should be unset before invitation, got %s", view.Agent)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestFullDisputeFlow(t *testing.T) {
	env := newTestEnv(t, testConfig(), sellerAddr, 1000)

	steps := []struct {
		path   string
		caller common.Address
		body   string
		status uint8
	}{
		{"/api/v1/escrow/confirm-fulfillment", sellerAddr, "", 1},
		{"/api/v1/escrow/open-dispute", buyerAddr, "", 3},
		{"/api/v1/escrow/invite-agent", sellerAddr, "", 4},
		{"/api/v1/escrow/send-money", agentAddr, `{"agentFeePercent":2,"buyerFeePercent":48,"sellerFeePercent":50}`, 5},
	}
	for i, step := range steps {
		rec := env.post(step.path, step.caller, "k-"+strconv.Itoa(i), step.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d: %s", step.path, rec.Code, rec.Body.String())
		}
		var resp operationResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Status != step.status {
			t.Fatalf("%s: expected status %d got %d", step.path, step.status, resp.Status)
		}
	}

	for addr, want := range map[common.Address]int64{agentAddr: 20, buyerAddr: 480, sellerAddr: 500, custodyAddr: 0} {
		got, _ := env.ledger.BalanceOf(context.Background(), addr)
		if got.Int64() != want {
			t.Fatalf("balance of %s: expected %d got %s", addr.Hex(), want, got)
		}
	}

	if v := testutil.ToFloat64(env.srv.metrics.operationsTotal.WithLabelValues("send_money", "ok")); v != 1 {
		t.Fatalf("expected one send_money metric, got %v", v)
	}
	if v := testutil.ToFloat64(env.srv.metrics.settledTotal.WithLabelValues("buyer")); v != 480 {
		t.Fatalf("expected 480 settled to buyer, got %v", v)
	}
	if v := testutil.ToFloat64(env.srv.metrics.escrowStatus); v != 5 {
		t.Fatalf("expected status gauge 5, got %v", v)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		deposit int64
		setup   func(*testEnv)
		path    string
		caller  common.Address
		body    string
		code    int
		message string
	}{
		{
			name: "access denied", deposit: 1000,
			path: "/api/v1/escrow/confirm-fulfillment", caller: buyerAddr,
			code: http.StatusForbidden, message: "Only seller can call this function.",
		},
		{
			name: "invalid state", deposit: 1000,
			path: "/api/v1/escrow/open-dispute", caller: buyerAddr,
			code: http.StatusConflict, message: "Transaction failed.",
		},
		{
			name: "insufficient funds", deposit: 1,
			path: "/api/v1/escrow/release", caller: buyerAddr,
			code: http.StatusPaymentRequired, message: "Not enough tokens on this contract",
		},
		{
			name: "time lock", deposit: 1000,
			setup: func(e *testEnv) {
				e.post("/api/v1/escrow/confirm-fulfillment", sellerAddr, "setup", "")
			},
			path: "/api/v1/escrow/release", caller: sellerAddr,
			code: http.StatusTooEarly, message: "Save buyer time is not finished yet",
		},
		{
			name: "bad percentages", deposit: 1000,
			setup: func(e *testEnv) {
				e.post("/api/v1/escrow/confirm-fulfillment", sellerAddr, "s1", "")
				e.post("/api/v1/escrow/open-dispute", buyerAddr, "s2", "")
				e.post("/api/v1/escrow/invite-agent", buyerAddr, "s3", "")
			},
			path: "/api/v1/escrow/send-money", caller: agentAddr,
			body: `{"agentFeePercent":2,"buyerFeePercent":48,"sellerFeePercent":49}`,
			code: http.StatusUnprocessableEntity, message: "Percentages must add up to 100",
		},
		{
			name: "malformed split", deposit: 1000,
			path: "/api/v1/escrow/send-money", caller: agentAddr,
			body: `{"agentFeePercent":-1}`,
			code: http.StatusBadRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, testConfig(), sellerAddr, tc.deposit)
			if tc.setup != nil {
				tc.setup(env)
			}
			rec := env.post(tc.path, tc.caller, "case", tc.body)
			if rec.Code != tc.code {
				t.Fatalf("expected %d got %d: %s", tc.code, rec.Code, rec.Body.String())
			}
			if tc.message != "" {
				if got := decodeError(t, rec).Message; got != tc.message {
					t.Fatalf("expected message %q got %q", tc.message, got)
				}
			}
		})
	}
}

func TestOperationIdempotency(t *testing.T) {
	env := newTestEnv(t, testConfig(), sellerAddr, 1000)

	first := env.post("/api/v1/escrow/release", buyerAddr, "release-1", "")
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", first.Code, first.Body.String())
	}

	second := env.post("/api/v1/escrow/release", buyerAddr, "release-1", "")
	if second.Code != http.StatusOK {
		t.Fatalf("expected cached 200 got %d", second.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("idempotent response mismatch")
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("replay header missing")
	}
	if v := testutil.ToFloat64(env.srv.metrics.idempotentReplay); v != 1 {
		t.Fatalf("expected one replay, got %v", v)
	}

	// a fresh key reaches the engine, which rejects the terminal escrow
	third := env.post("/api/v1/escrow/release", buyerAddr, "release-2", "")
	if third.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", third.Code)
	}

	got, _ := env.ledger.BalanceOf(context.Background(), sellerAddr)
	if got.Int64() != 1000 {
		t.Fatalf("seller paid %s, want exactly one release", got)
	}
}

func TestConcurrentRetriesReplayOneResponse(t *testing.T) {
	env := newTestEnv(t, testConfig(), sellerAddr, 1000)

	const n = 8
	recs := make([]*httptest.ResponseRecorder, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i] = env.post("/api/v1/escrow/confirm-fulfillment", sellerAddr, "fulfil-once", "")
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i, rec := range recs {
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 got %d: %s", i, rec.Code, rec.Body.String())
		}
		if rec.Header().Get("Idempotent-Replayed") != "true" {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one executed request, got %d", fresh)
	}
	if len(env.srv.inflight.locks) != 0 {
		t.Fatalf("in-flight locks leaked: %d", len(env.srv.inflight.locks))
	}
}

func TestIdempotencyKeyReuseWithDifferentBody(t *testing.T) {
	env := newTestEnv(t, testConfig(), sellerAddr, 1000)
	env.post("/api/v1/escrow/confirm-fulfillment", sellerAddr, "a", "")
	env.post("/api/v1/escrow/open-dispute", buyerAddr, "b", "")
	env.post("/api/v1/escrow/invite-agent", buyerAddr, "c", "")

	ok := env.post("/api/v1/escrow/send-money", agentAddr, "split", `{"agentFeePercent":1,"buyerFeePercent":49,"sellerFeePercent":50}`)
	if ok.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", ok.Code, ok.Body.String())
	}
	reused := env.post("/api/v1/escrow/send-money", agentAddr, "split", `{"agentFeePercent":3,"buyerFeePercent":47,"sellerFeePercent":50}`)
	if reused.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", reused.Code)
	}
}

func TestMissingIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, testConfig(), sellerAddr, 1000)
	rec := env.post("/api/v1/escrow/release", buyerAddr, "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestFulfillmentTimeDebugEndpoint(t *testing.T) {
	env := newTestEnv(t, testConfig(), sellerAddr, 1000)
	env.post("/api/v1/escrow/confirm-fulfillment", sellerAddr, "k", "")

	rec := env.get("/api/v1/escrow/fulfillment-time")
	var body map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["fulfillmentTime"] != 1_700_000_000 {
		t.Fatalf("unexpected fulfillment time %v", body)
	}

	cfg := testConfig()
	cfg.Service.DebugEndpoints = false
	hidden := newTestEnv(t, cfg, sellerAddr, 1000)
	if rec := hidden.get("/api/v1/escrow/fulfillment-time"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without debug endpoints, got %d", rec.Code)
	}
}

func TestSignedRequest(t *testing.T) {
	key, _ := crypto.GenerateKey()
	seller := crypto.PubkeyToAddress(key.PublicKey)
	cfg := testConfig()
	cfg.Service.InsecureAuth = false
	env := newTestEnv(t, cfg, seller, 1000)

	send := func(key *ecdsa.PrivateKey) *httptest.ResponseRecorder {
		path := "/api/v1/escrow/confirm-fulfillment"
		ts := strconv.FormatInt(env.clock.now.Unix(), 10)
		sig, err := auth.Sign(key, auth.Message(ts, http.MethodPost, path, nil))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set(auth.HeaderTimestamp, ts)
		req.Header.Set(auth.HeaderSignature, hexutil.Encode(sig))
		req.Header.Set("X-Idempotency-Key", "signed-"+ts)
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	other, _ := crypto.GenerateKey()
	if rec := send(other); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a stranger, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := send(key); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for the seller, got %d: %s", rec.Code, rec.Body.String())
	}

	unsigned := httptest.NewRequest(http.MethodPost, "/api/v1/escrow/release", nil)
	unsigned.Header.Set(auth.HeaderCaller, buyerAddr.Hex())
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, unsigned)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", rec.Code)
	}
	if v := testutil.ToFloat64(env.srv.metrics.authFailures); v != 1 {
		t.Fatalf("expected one auth failure, got %v", v)
	}
}

func TestRateLimitPerCaller(t *testing.T) {
	cfg := testConfig()
	cfg.Service.RateLimit = 0.001
	cfg.Service.RateBurst = 1
	env := newTestEnv(t, cfg, sellerAddr, 1000)

	if rec := env.post("/api/v1/escrow/open-dispute", buyerAddr, "1", ""); rec.Code == http.StatusTooManyRequests {
		t.Fatalf("first request throttled")
	}
	if rec := env.post("/api/v1/escrow/open-dispute", buyerAddr, "2", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
	if rec := env.post("/api/v1/escrow/confirm-fulfillment", sellerAddr, "3", ""); rec.Code != http.StatusOK {
		t.Fatalf("seller should have its own budget, got %d", rec.Code)
	}
}

func TestHealthReportsFailingCheck(t *testing.T) {
	env := newTestEnv(t, testConfig(), sellerAddr, 1000)
	env.srv.checks = []HealthCheck{
		{Name: "ledger", Check: func(context.Context) error { return nil }},
		{Name: "store", Check: func(context.Context) error { return errors.New("connection refused") }},
	}

	rec := env.get("/api/v1/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	var body struct {
		Status string                 `json:"status"`
		Checks map[string]checkResult `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || !body.Checks["ledger"].Connected || body.Checks["store"].Error == "" {
		t.Fatalf("unexpected health %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, testConfig(), sellerAddr, 1000)
	env.post("/api/v1/escrow/confirm-fulfillment", buyerAddr, "x", "")

	rec := env.get("/api/v1/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `salesescrow_operations_total{operation="confirm_fulfillment",result="AccessDenied"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", rec.Body.String())
	}
}
