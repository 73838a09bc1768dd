package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	errNilLedger = errors.New("escrow engine: token ledger not configured")
	errTermsDiff = errors.New("escrow engine: stored escrow has different terms")
)

// Store persists the escrow between process restarts. Load returns
// (nil, nil) when nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) (*Escrow, error)
	Save(ctx context.Context, e *Escrow) error
}

// Config wires the engine to its collaborators. Only Ledger is required.
type Config struct {
	Ledger  TokenLedger
	Store   Store
	Clock   Clock
	Emitter Emitter
	Logger  *zap.SugaredLogger
}

// Engine owns the single escrow instance and serializes every call to it.
type Engine struct {
	mu      sync.Mutex
	state   *Escrow
	ledger  TokenLedger
	store   Store
	clock   Clock
	emitter Emitter
	log     *zap.SugaredLogger
}

// Result reports a committed transition.
type Result struct {
	Operation Operation `json:"operation"`
	Status    Status    `json:"status"`
	Payouts   []Payout  `json:"payouts,omitempty"`
	At        time.Time `json:"at"`
}

// NewEngine wraps an already constructed escrow.
func NewEngine(esc *Escrow, cfg Config) (*Engine, error) {
	if cfg.Ledger == nil {
		return nil, errNilLedger
	}
	if err := esc.Validate(); err != nil {
		return nil, fmt.Errorf("escrow engine: %w", err)
	}
	e := &Engine{
		state:   esc.Clone(),
		ledger:  cfg.Ledger,
		store:   cfg.Store,
		clock:   cfg.Clock,
		emitter: cfg.Emitter,
		log:     cfg.Logger,
	}
	if e.clock == nil {
		e.clock = SystemClock
	}
	if e.emitter == nil {
		e.emitter = NoopEmitter{}
	}
	if e.log == nil {
		e.log = zap.NewNop().Sugar()
	}
	return e, nil
}

// Open resumes the escrow saved in cfg.Store, or creates it from terms and
// saves it when the store is empty. A stored escrow must carry the same
// terms. A settlement interrupted by a crash is finished here; if the ledger
// still refuses it the engine opens with the settlement pending.
func Open(ctx context.Context, terms Terms, cfg Config) (*Engine, error) {
	fresh, err := New(terms)
	if err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		return NewEngine(fresh, cfg)
	}
	stored, err := cfg.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load escrow: %w", err)
	}
	if stored == nil {
		if err := cfg.Store.Save(ctx, fresh); err != nil {
			return nil, fmt.Errorf("save escrow: %w", err)
		}
		return NewEngine(fresh, cfg)
	}
	if !sameTerms(stored, fresh) {
		return nil, errTermsDiff
	}
	eng, err := NewEngine(stored, cfg)
	if err != nil {
		return nil, err
	}
	if stored.Pending != nil {
		if _, err := eng.Resume(ctx); err != nil {
			eng.log.Warnw("pending settlement not finished", "operation", stored.Pending.Operation, "error", err)
		}
	}
	return eng, nil
}

func sameTerms(a, b *Escrow) bool {
	return a.Token == b.Token &&
		a.Address == b.Address &&
		a.Seller == b.Seller &&
		a.Buyer == b.Buyer &&
		a.AgentIdentity == b.AgentIdentity &&
		a.ContractAmount.Cmp(b.ContractAmount) == 0 &&
		a.TimeExecutionDelta == b.TimeExecutionDelta
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() *Escrow {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

func (e *Engine) Seller() common.Address { return e.Snapshot().Seller }
func (e *Engine) Buyer() common.Address  { return e.Snapshot().Buyer }
func (e *Engine) Agent() common.Address  { return e.Snapshot().Agent }
func (e *Engine) Token() common.Address  { return e.Snapshot().Token }
func (e *Engine) Status() Status         { return e.Snapshot().Status }

func (e *Engine) ContractAmount() *big.Int { return e.Snapshot().ContractAmount }

func (e *Engine) TimeExecutionDelta() time.Duration { return e.Snapshot().TimeExecutionDelta }

// FulfillmentTime is the moment the seller confirmed fulfillment, zero before.
func (e *Engine) FulfillmentTime() time.Time { return e.Snapshot().FulfilledAt }

// Balance reads the custodied balance from the ledger.
func (e *Engine) Balance(ctx context.Context) (*big.Int, error) {
	addr := e.Snapshot().Address
	balance, err := e.ledger.BalanceOf(ctx, addr)
	if err != nil {
		return nil, &LedgerError{Op: "balanceOf", Err: err}
	}
	return balance, nil
}

// ConfirmFulfillment is called by the seller once the goods or service are
// delivered. It starts the buyer-protection window.
func (e *Engine) ConfirmFulfillment(ctx context.Context, caller common.Address) (*Result, error) {
	return e.apply(ctx, OpConfirmFulfillment, caller, func(next *Escrow, _ Role, now time.Time) ([]Payout, *big.Int, error) {
		if next.Status != StatusDeployed {
			return nil, nil, invalidState(msgTransactionFailed)
		}
		if _, err := e.requireBalance(ctx, next); err != nil {
			return nil, nil, err
		}
		next.FulfilledAt = now
		next.Status = StatusFulfilled
		return nil, nil, nil
	})
}

// Release pays the whole custodied balance to the seller. The buyer may
// release at will from Deployed, Fulfilled or Disputed; the seller only from
// Fulfilled and only once the buyer-protection window has passed.
func (e *Engine) Release(ctx context.Context, caller common.Address) (*Result, error) {
	return e.apply(ctx, OpRelease, caller, func(next *Escrow, role Role, now time.Time) ([]Payout, *big.Int, error) {
		switch role {
		case RoleBuyer:
			switch next.Status {
			case StatusDeployed, StatusFulfilled, StatusDisputed:
			default:
				return nil, nil, invalidState(msgBuyerReleaseStatus)
			}
		case RoleSeller:
			if next.Status != StatusFulfilled {
				return nil, nil, invalidState(msgSellerReleaseState)
			}
			if now.Before(next.TimeLockExpiry()) {
				return nil, nil, timeLockNotElapsed()
			}
		}
		balance, err := e.requireBalance(ctx, next)
		if err != nil {
			return nil, nil, err
		}
		next.Status = StatusReleased
		return []Payout{{Role: RoleSeller, To: next.Seller, Amount: balance}}, balance, nil
	})
}

// OpenDispute lets the buyer contest a claimed fulfillment.
func (e *Engine) OpenDispute(ctx context.Context, caller common.Address) (*Result, error) {
	return e.apply(ctx, OpOpenDispute, caller, func(next *Escrow, _ Role, _ time.Time) ([]Payout, *big.Int, error) {
		if next.Status != StatusFulfilled {
			return nil, nil, invalidState(msgTransactionFailed)
		}
		next.Status = StatusDisputed
		return nil, nil, nil
	})
}

// InviteAgent activates the configured agent as arbiter of the dispute.
func (e *Engine) InviteAgent(ctx context.Context, caller common.Address) (*Result, error) {
	return e.apply(ctx, OpInviteAgent, caller, func(next *Escrow, _ Role, _ time.Time) ([]Payout, *big.Int, error) {
		if next.Status != StatusDisputed {
			return nil, nil, invalidState(msgTransactionFailed)
		}
		next.Agent = next.AgentIdentity
		next.Status = StatusAgentInvited
		return nil, nil, nil
	})
}

// SendMoney settles the dispute by splitting the custodied balance between
// agent, buyer and seller.
func (e *Engine) SendMoney(ctx context.Context, caller common.Address, split Split) (*Result, error) {
	return e.apply(ctx, OpSendMoney, caller, func(next *Escrow, _ Role, _ time.Time) ([]Payout, *big.Int, error) {
		if next.Status != StatusAgentInvited {
			return nil, nil, invalidState(msgTransactionFailed)
		}
		if err := split.Validate(); err != nil {
			return nil, nil, err
		}
		balance, err := e.requireBalance(ctx, next)
		if err != nil {
			return nil, nil, err
		}
		next.Status = StatusResolved
		return split.Shares(balance, next.Agent, next.Buyer, next.Seller), balance, nil
	})
}

// Pending returns the settlement left unfinished by a failed or interrupted
// payout, or nil.
func (e *Engine) Pending() *Settlement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Pending.clone()
}

// Resume finishes a pending settlement. It returns (nil, nil) when nothing
// is pending.
func (e *Engine) Resume(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Pending == nil {
		return nil, nil
	}
	return e.settle(ctx, e.log.With("op", e.state.Pending.Operation, "resume", true), true)
}

// step checks and mutates next. It returns the payouts the transition makes
// and the custody balance they were computed from.
type step func(next *Escrow, role Role, now time.Time) ([]Payout, *big.Int, error)

// apply runs one operation: authorize, check and mutate a clone, persist,
// move funds, then publish. A transition without payouts is committed by a
// single save. One with payouts is first stored as a pending settlement on
// the unchanged escrow; the new status is only saved once every leg is paid.
func (e *Engine) apply(ctx context.Context, op Operation, caller common.Address, fn step) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.log.With("op", op, "caller", caller.Hex())

	role := e.state.RoleOf(caller)
	if err := Authorize(op, role); err != nil {
		log.Debugw("operation rejected", "error", err)
		return nil, err
	}
	if p := e.state.Pending; p != nil {
		// an unfinished payout blocks everything but its own retry
		if p.Operation != op {
			log.Debugw("operation rejected", "pending", p.Operation)
			return nil, invalidState(msgTransactionFailed)
		}
		return e.settle(ctx, log, true)
	}

	now, err := e.clock.Now(ctx)
	if err != nil {
		return nil, fmt.Errorf("read clock: %w", err)
	}

	next := e.state.Clone()
	payouts, balance, err := fn(next, role, now)
	if err != nil {
		log.Debugw("operation rejected", "status", next.Status, "error", err)
		return nil, err
	}
	payouts = nonZero(payouts)

	if len(payouts) == 0 {
		if err := e.save(ctx, next); err != nil {
			return nil, fmt.Errorf("save escrow: %w", err)
		}
		return e.commit(ctx, log, op, caller, next, nil, now), nil
	}

	intent := e.state.Clone()
	intent.Pending = &Settlement{
		Operation: op,
		Status:    next.Status,
		Caller:    caller,
		Payouts:   payouts,
		Balance:   cloneBigInt(balance),
		StartedAt: now,
	}
	if err := e.save(ctx, intent); err != nil {
		return nil, fmt.Errorf("save escrow: %w", err)
	}
	e.state = intent
	return e.settle(ctx, log, false)
}

// settle pays the remaining legs of the pending settlement and commits the
// target status. On resume the paid count is first re-derived from the
// custody balance, since a leg may have landed without being recorded.
//
// When a leg fails and nothing has left custody the settlement is dropped, so
// the operation can be retried with its preconditions checked afresh. When
// some legs were paid it stays pending; only the same operation may continue
// it and it skips the balance precondition.
func (e *Engine) settle(ctx context.Context, log *zap.SugaredLogger, resume bool) (*Result, error) {
	p := e.state.Pending
	from := e.state.Address
	if resume {
		e.reconcile(ctx, p, log)
	}

	paid, err := e.pay(ctx, from, p.Remaining())
	p.Paid += paid
	if err != nil {
		e.reconcile(ctx, p, log)
		if p.Paid == 0 {
			prev := e.state.Clone()
			prev.Pending = nil
			if serr := e.save(ctx, prev); serr != nil {
				log.Errorw("drop unpaid settlement", "error", serr, "transferError", err)
			} else {
				e.state = prev
			}
		} else {
			if serr := e.save(ctx, e.state); serr != nil {
				log.Errorw("record partial settlement", "error", serr, "transferError", err)
			}
			log.Warnw("settlement incomplete", "paid", p.Paid, "legs", len(p.Payouts), "error", err)
		}
		return nil, &LedgerError{Op: "transfer", Err: err}
	}

	next := e.state.Clone()
	next.Status = p.Status
	next.Pending = nil
	if err := e.save(ctx, next); err != nil {
		// every leg is paid; a retry of the operation only commits
		return nil, fmt.Errorf("save escrow: %w", err)
	}
	return e.commit(ctx, log, p.Operation, p.Caller, next, p.Payouts, p.StartedAt), nil
}

func (e *Engine) reconcile(ctx context.Context, p *Settlement, log *zap.SugaredLogger) {
	balance, err := e.ledger.BalanceOf(ctx, e.state.Address)
	if err != nil {
		log.Warnw("reconcile settlement", "error", err)
		return
	}
	p.Paid = p.settledLegs(balance)
}

func (e *Engine) commit(ctx context.Context, log *zap.SugaredLogger, op Operation, caller common.Address, next *Escrow, payouts []Payout, at time.Time) *Result {
	prev := e.state.Status
	e.state = next
	log.Infow("transition committed", "from", prev, "to", next.Status, "paid", TotalPaid(payouts).String())

	e.emitter.Emit(ctx, newEvent(op, next, caller.Hex(), at, payouts))
	return &Result{Operation: op, Status: next.Status, Payouts: payouts, At: at}
}

func (e *Engine) save(ctx context.Context, esc *Escrow) error {
	if e.store == nil {
		return nil
	}
	return e.store.Save(ctx, esc)
}

func (e *Engine) requireBalance(ctx context.Context, esc *Escrow) (*big.Int, error) {
	balance, err := e.ledger.BalanceOf(ctx, esc.Address)
	if err != nil {
		return nil, &LedgerError{Op: "balanceOf", Err: err}
	}
	if balance == nil || balance.Cmp(esc.ContractAmount) < 0 {
		return nil, insufficientFunds()
	}
	return balance, nil
}

// pay moves payouts out of custody and reports how many legs are known to
// have landed. A Settler is all or nothing; plain transfers go one by one.
func (e *Engine) pay(ctx context.Context, from common.Address, payouts []Payout) (int, error) {
	switch {
	case len(payouts) == 0:
		return 0, nil
	case len(payouts) > 1:
		if s, ok := e.ledger.(Settler); ok {
			if err := s.Settle(ctx, from, payouts); err != nil {
				return 0, err
			}
			return len(payouts), nil
		}
	}
	for i, p := range payouts {
		if err := e.ledger.Transfer(ctx, from, p.To, p.Amount); err != nil {
			return i, err
		}
	}
	return len(payouts), nil
}

func nonZero(payouts []Payout) []Payout {
	out := payouts[:0]
	for _, p := range payouts {
		if p.Amount != nil && p.Amount.Sign() > 0 {
			out = append(out, p)
		}
	}
	return out
}
