package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"salesescrow/internal/escrow"
)

type headerReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ChainClock reports the timestamp of the latest block, so the time-lock is
// measured against the same clock the token contract sees.
type ChainClock struct {
	headers headerReader
}

var _ escrow.Clock = ChainClock{}

func NewChainClock(headers headerReader) ChainClock {
	return ChainClock{headers: headers}
}

func (c ChainClock) Now(ctx context.Context) (time.Time, error) {
	head, err := c.headers.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest header: %w", err)
	}
	return time.Unix(int64(head.Time), 0).UTC(), nil
}
