package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"salesescrow/internal/auth"
	"salesescrow/internal/escrow"
	"salesescrow/internal/idempotency"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

type escrowView struct {
	Token              string       `json:"token"`
	Address            string       `json:"address"`
	Seller             string       `json:"seller"`
	Buyer              string       `json:"buyer"`
	Agent              string       `json:"agent"`
	ContractAmount     string       `json:"contractAmount"`
	TimeExecutionDelta int64        `json:"timeExecutionDelta"`
	Status             uint8        `json:"status"`
	StatusName         string       `json:"statusName"`
	Balance            string       `json:"balance"`
	Pending            *pendingView `json:"pending,omitempty"`
}

// pendingView reports a payout that failed partway and awaits a retry of
// the same operation.
type pendingView struct {
	Operation string       `json:"operation"`
	Paid      int          `json:"paid"`
	Payouts   []payoutView `json:"payouts"`
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	balance, err := s.engine.Balance(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := escrowView{
		Token:              snap.Token.Hex(),
		Address:            snap.Address.Hex(),
		Seller:             snap.Seller.Hex(),
		Buyer:              snap.Buyer.Hex(),
		Agent:              snap.Agent.Hex(),
		ContractAmount:     snap.ContractAmount.String(),
		TimeExecutionDelta: int64(snap.TimeExecutionDelta / time.Second),
		Status:             uint8(snap.Status),
		StatusName:         snap.Status.String(),
		Balance:            balance.String(),
	}
	if p := snap.Pending; p != nil {
		view.Pending = &pendingView{Operation: string(p.Operation), Paid: p.Paid, Payouts: payoutViews(p.Payouts)}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleFulfillmentTime(w http.ResponseWriter, _ *http.Request) {
	var unix int64
	if at := s.engine.FulfillmentTime(); !at.IsZero() {
		unix = at.Unix()
	}
	writeJSON(w, http.StatusOK, map[string]int64{"fulfillmentTime": unix})
}

type payoutView struct {
	Role   string `json:"role"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func payoutViews(payouts []escrow.Payout) []payoutView {
	var out []payoutView
	for _, p := range payouts {
		out = append(out, payoutView{Role: p.Role.String(), To: p.To.Hex(), Amount: p.Amount.String()})
	}
	return out
}

type operationResponse struct {
	Operation  string       `json:"operation"`
	Status     uint8        `json:"status"`
	StatusName string       `json:"statusName"`
	Payouts    []payoutView `json:"payouts,omitempty"`
	At         int64        `json:"at"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type runner func(ctx context.Context, caller common.Address, body []byte) (*escrow.Result, error)

func (s *Server) confirmFulfillment(ctx context.Context, caller common.Address, _ []byte) (*escrow.Result, error) {
	return s.engine.ConfirmFulfillment(ctx, caller)
}

func (s *Server) release(ctx context.Context, caller common.Address, _ []byte) (*escrow.Result, error) {
	return s.engine.Release(ctx, caller)
}

func (s *Server) openDispute(ctx context.Context, caller common.Address, _ []byte) (*escrow.Result, error) {
	return s.engine.OpenDispute(ctx, caller)
}

func (s *Server) inviteAgent(ctx context.Context, caller common.Address, _ []byte) (*escrow.Result, error) {
	return s.engine.InviteAgent(ctx, caller)
}

var errBadSplit = errors.New("invalid json payload")

func (s *Server) sendMoney(ctx context.Context, caller common.Address, body []byte) (*escrow.Result, error) {
	var split escrow.Split
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&split); err != nil {
		return nil, errBadSplit
	}
	return s.engine.SendMoney(ctx, caller, split)
}

// operation wraps a state-mutating call with idempotency, metrics and the
// error mapping shared by every POST route.
func (s *Server) operation(op escrow.Operation, run runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		caller := auth.CallerFrom(ctx)

		clientKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if clientKey == "" {
			http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, auth.DefaultMaxBody))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		key := idempotency.Key(caller.Hex(), string(op), clientKey)
		unlock := s.inflight.lock(key)
		defer unlock()

		existing, err := s.store.Get(ctx, key)
		if err != nil {
			s.log.Warnw("idempotency lookup", "requestId", requestID(ctx), "error", err)
		}
		if existing != nil {
			if !existing.Matches(body) {
				http.Error(w, "idempotency key reused with a different request", http.StatusUnprocessableEntity)
				return
			}
			w.Header().Set(headerReplayed, "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			s.metrics.incReplay()
			return
		}

		res, err := run(ctx, caller, body)
		if err != nil {
			s.metrics.incOperation(op, resultLabel(err))
			s.writeError(w, r, err)
			return
		}

		s.metrics.incOperation(op, "ok")
		s.metrics.addSettled(res.Payouts)
		s.metrics.setStatus(res.Status)

		resp := operationResponse{
			Operation:  string(res.Operation),
			Status:     uint8(res.Status),
			StatusName: res.Status.String(),
			Payouts:    payoutViews(res.Payouts),
			At:         res.At.Unix(),
		}
		encoded, _ := json.Marshal(resp)

		now := s.now()
		record := idempotency.Record{
			Operation:   string(op),
			Caller:      caller.Hex(),
			RequestHash: idempotency.HashRequest(body),
			StatusCode:  http.StatusOK,
			Response:    encoded,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, key, record); err != nil {
			s.log.Warnw("idempotency save", "requestId", requestID(ctx), "error", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(encoded)
	}
}

// keyedMutex serializes requests sharing an idempotency key, so a retry that
// races the original waits for its response and replays it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func statusFor(err error) int {
	switch escrow.KindOf(err) {
	case escrow.KindAccessDenied:
		return http.StatusForbidden
	case escrow.KindInvalidState:
		return http.StatusConflict
	case escrow.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case escrow.KindTimeLockNotElapsed:
		return http.StatusTooEarly
	case escrow.KindInvalidPercentage:
		return http.StatusUnprocessableEntity
	}
	var ledgerErr *escrow.LedgerError
	switch {
	case errors.Is(err, errBadSplit):
		return http.StatusBadRequest
	case errors.As(err, &ledgerErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func resultLabel(err error) string {
	if kind := escrow.KindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, errBadSplit) {
		return "bad_request"
	}
	return "error"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	resp := errorResponse{Error: resultLabel(err), Message: err.Error()}
	var domain *escrow.Error
	if errors.As(err, &domain) {
		resp.Message = domain.Message
	}
	if code >= http.StatusInternalServerError {
		s.log.Errorw("operation failed", "requestId", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, resp)
}
