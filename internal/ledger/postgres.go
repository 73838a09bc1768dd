package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"salesescrow/internal/escrow"
)

// Postgres keeps token balances in a PostgreSQL table. Settle runs every
// leg inside one transaction, so a dispute split lands entirely or not at
// all.
type Postgres struct {
	pool  *pgxpool.Pool
	token common.Address
}

var (
	_ escrow.TokenLedger = (*Postgres)(nil)
	_ escrow.Settler     = (*Postgres)(nil)
)

const createBalancesSQL = `
CREATE TABLE IF NOT EXISTS token_balances (
    token TEXT NOT NULL,
    holder TEXT NOT NULL,
    amount NUMERIC(78,0) NOT NULL CHECK (amount >= 0),
    PRIMARY KEY (token, holder)
);
`

// NewPostgres connects using the DSN and ensures the balances table exists.
func NewPostgres(ctx context.Context, dsn string, token common.Address) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createBalancesSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, token: token}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Mint credits holder; used to seed deposits into the custody account.
func (p *Postgres) Mint(ctx context.Context, holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO token_balances (token, holder, amount)
VALUES ($1, $2, $3::numeric)
ON CONFLICT (token, holder) DO UPDATE
SET amount = token_balances.amount + EXCLUDED.amount
`, p.token.Hex(), holder.Hex(), amount.String())
	return err
}

func (p *Postgres) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	return readBalance(ctx, p.pool, p.token, holder, false)
}

func (p *Postgres) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return p.Settle(ctx, from, []escrow.Payout{{To: to, Amount: amount}})
}

func (p *Postgres) Settle(ctx context.Context, from common.Address, payouts []escrow.Payout) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		balance, err := readBalance(ctx, tx, p.token, from, true)
		if err != nil {
			return err
		}
		total := big.NewInt(0)
		for _, pay := range payouts {
			if pay.Amount == nil || pay.Amount.Sign() < 0 {
				return ErrNegativeAmount
			}
			total.Add(total, pay.Amount)
		}
		if balance.Cmp(total) < 0 {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, total)
		}

		if _, err := tx.Exec(ctx, `
UPDATE token_balances SET amount = amount - $3::numeric
WHERE token = $1 AND holder = $2
`, p.token.Hex(), from.Hex(), total.String()); err != nil {
			return fmt.Errorf("debit %s: %w", from.Hex(), err)
		}
		for _, pay := range payouts {
			if _, err := tx.Exec(ctx, `
INSERT INTO token_balances (token, holder, amount)
VALUES ($1, $2, $3::numeric)
ON CONFLICT (token, holder) DO UPDATE
SET amount = token_balances.amount + EXCLUDED.amount
`, p.token.Hex(), pay.To.Hex(), pay.Amount.String()); err != nil {
				return fmt.Errorf("credit %s: %w", pay.To.Hex(), err)
			}
		}
		return nil
	})
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readBalance(ctx context.Context, q querier, token, holder common.Address, lock bool) (*big.Int, error) {
	query := `SELECT amount::text FROM token_balances WHERE token = $1 AND holder = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	var raw string
	if err := q.QueryRow(ctx, query, token.Hex(), holder.Hex()).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("malformed balance %q for %s", raw, holder.Hex())
	}
	return amount, nil
}
