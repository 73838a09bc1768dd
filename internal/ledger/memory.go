package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"salesescrow/internal/escrow"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrNegativeAmount      = errors.New("ledger: negative amount")
)

// Memory is an in-process token ledger for local runs and tests. Settle
// applies all legs under one lock or none of them.
type Memory struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

var (
	_ escrow.TokenLedger = (*Memory)(nil)
	_ escrow.Settler     = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{balances: make(map[common.Address]*big.Int)}
}

// Mint credits holder out of thin air; it stands in for a deposit into the
// custody account.
func (m *Memory) Mint(holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[holder] = new(big.Int).Add(m.balance(holder), amount)
	return nil
}

func (m *Memory) BalanceOf(_ context.Context, holder common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balance(holder)), nil
}

func (m *Memory) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(from, []escrow.Payout{{To: to, Amount: amount}})
}

func (m *Memory) Settle(_ context.Context, from common.Address, payouts []escrow.Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(from, payouts)
}

func (m *Memory) move(from common.Address, payouts []escrow.Payout) error {
	total := big.NewInt(0)
	for _, p := range payouts {
		if p.Amount == nil || p.Amount.Sign() < 0 {
			return ErrNegativeAmount
		}
		total.Add(total, p.Amount)
	}
	if m.balance(from).Cmp(total) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, m.balance(from), total)
	}
	m.balances[from] = new(big.Int).Sub(m.balance(from), total)
	for _, p := range payouts {
		m.balances[p.To] = new(big.Int).Add(m.balance(p.To), p.Amount)
	}
	return nil
}

func (m *Memory) balance(holder common.Address) *big.Int {
	if b, ok := m.balances[holder]; ok {
		return b
	}
	return big.NewInt(0)
}
