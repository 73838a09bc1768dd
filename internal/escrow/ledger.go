package escrow

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TokenLedger is the fungible-token service holding the escrowed funds.
// Transfer must either fully succeed or fail without moving anything.
type TokenLedger interface {
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
}

// Settler is implemented by ledgers that can apply several transfers from
// one account as a single atomic unit. The engine uses it for the dispute
// split so a failing leg leaves every balance untouched.
type Settler interface {
	Settle(ctx context.Context, from common.Address, payouts []Payout) error
}

// Clock supplies the current time, read once per call.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

// ClockFunc adapts a plain function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now(context.Context) (time.Time, error) { return f(), nil }

// SystemClock reads the local wall clock.
var SystemClock Clock = ClockFunc(time.Now)
