package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Terms are fixed at creation and never re-settable.
type Terms struct {
	Token              common.Address
	Address            common.Address // custody account whose ledger balance is the escrowed amount
	Seller             common.Address
	Buyer              common.Address
	Agent              common.Address // activated by InviteAgent
	ContractAmount     *big.Int
	TimeExecutionDelta time.Duration
}

// Escrow is the whole state of one deployment. Only the Engine mutates it.
type Escrow struct {
	Token              common.Address `json:"token"`
	Address            common.Address `json:"address"`
	Seller             common.Address `json:"seller"`
	Buyer              common.Address `json:"buyer"`
	AgentIdentity      common.Address `json:"agentIdentity"`
	Agent              common.Address `json:"agent"`
	ContractAmount     *big.Int       `json:"contractAmount"`
	TimeExecutionDelta time.Duration  `json:"timeExecutionDelta"`
	Status             Status         `json:"status"`
	FulfilledAt        time.Time      `json:"fulfilledAt"`
	Pending            *Settlement    `json:"pending,omitempty"`
}

// New validates the terms and returns an escrow in the Deployed status.
func New(t Terms) (*Escrow, error) {
	e := &Escrow{
		Token:              t.Token,
		Address:            t.Address,
		Seller:             t.Seller,
		Buyer:              t.Buyer,
		AgentIdentity:      t.Agent,
		ContractAmount:     cloneBigInt(t.ContractAmount),
		TimeExecutionDelta: t.TimeExecutionDelta,
		Status:             StatusDeployed,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the stored fields are mutually consistent. It is run on
// creation and on every snapshot loaded from a store.
func (e *Escrow) Validate() error {
	if e == nil {
		return errors.New("nil escrow")
	}
	zero := common.Address{}
	if e.Token == zero {
		return errors.New("token address is required")
	}
	if e.Address == zero {
		return errors.New("custody address is required")
	}
	if e.Seller == zero || e.Buyer == zero || e.AgentIdentity == zero {
		return errors.New("seller, buyer and agent are required")
	}
	if e.Seller == e.Buyer || e.Seller == e.AgentIdentity || e.Buyer == e.AgentIdentity {
		return errors.New("seller, buyer and agent must be distinct")
	}
	if e.ContractAmount == nil || e.ContractAmount.Sign() <= 0 {
		return errors.New("contract amount must be positive")
	}
	if e.TimeExecutionDelta < 0 {
		return fmt.Errorf("time execution delta must not be negative: %s", e.TimeExecutionDelta)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid status: %d", e.Status)
	}
	if e.Status != StatusDeployed && e.Status != StatusReleased && e.FulfilledAt.IsZero() {
		// every other status is only reachable through Fulfilled
		return fmt.Errorf("status %s without fulfillment time", e.Status)
	}
	if e.Agent != zero && e.Agent != e.AgentIdentity {
		return errors.New("assigned agent differs from configured agent")
	}
	if e.Pending != nil {
		if err := e.Pending.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate it without affecting the
// original.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.ContractAmount = cloneBigInt(e.ContractAmount)
	clone.Pending = e.Pending.clone()
	return &clone
}

// TimeLockExpiry is the earliest moment the seller may force a release.
// The zero time is returned before fulfillment.
func (e *Escrow) TimeLockExpiry() time.Time {
	if e.FulfilledAt.IsZero() {
		return time.Time{}
	}
	return e.FulfilledAt.Add(e.TimeExecutionDelta)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
