package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"salesescrow/internal/escrow"
)

// RetryPolicy bounds how often a balance read is retried.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// Retrying retries balance reads against a flaky ledger. Transfers are never
// retried: a timed-out transfer may still have been applied.
type Retrying struct {
	inner   escrow.TokenLedger
	policy  RetryPolicy
	onRetry func(outcome string)
	sleep   func(ctx context.Context, d time.Duration) error
}

var (
	_ escrow.TokenLedger = (*Retrying)(nil)
	_ escrow.Settler     = (*Retrying)(nil)
)

// NewRetrying wraps inner. onRetry, if set, receives "retry", "success" or
// "failed" for every read that needed more than one attempt.
func NewRetrying(inner escrow.TokenLedger, policy RetryPolicy, onRetry func(outcome string)) *Retrying {
	if onRetry == nil {
		onRetry = func(string) {}
	}
	return &Retrying{inner: inner, policy: policy, onRetry: onRetry, sleep: sleepCtx}
}

func (r *Retrying) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	attempts := r.policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := r.policy.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		balance, err := r.inner.BalanceOf(ctx, holder)
		if err == nil {
			if i > 1 {
				r.onRetry("success")
			}
			return balance, nil
		}
		lastErr = err
		if !isRetryable(err) || i == attempts {
			if i > 1 {
				r.onRetry("failed")
			}
			return nil, err
		}

		r.onRetry("retry")
		wait := backoff
		if r.policy.MaxBackoff > 0 && wait > r.policy.MaxBackoff {
			wait = r.policy.MaxBackoff
		}
		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
		if r.policy.BackoffMultiplier > 1 {
			backoff = time.Duration(float64(backoff) * r.policy.BackoffMultiplier)
		}
	}
	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (r *Retrying) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return r.inner.Transfer(ctx, from, to, amount)
}

// Settle is atomic only when the wrapped ledger is a Settler. Otherwise legs
// go out in order and a failure leaves the earlier ones paid; the engine
// works out which from the custody balance.
func (r *Retrying) Settle(ctx context.Context, from common.Address, payouts []escrow.Payout) error {
	if s, ok := r.inner.(escrow.Settler); ok {
		return s.Settle(ctx, from, payouts)
	}
	for _, p := range payouts {
		if err := r.inner.Transfer(ctx, from, p.To, p.Amount); err != nil {
			return err
		}
	}
	return nil
}

// Ping forwards to the wrapped ledger when it supports health checks.
func (r *Retrying) Ping(ctx context.Context) error {
	if p, ok := r.inner.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// isRetryable rejects errors that repeat identically on every attempt.
func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrReadOnly), errors.Is(err, ErrForeignAccount), errors.Is(err, ErrNegativeAmount):
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
