package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"salesescrow/internal/escrow"
)

// PostgresStore persists the escrow as a JSONB row keyed by its custody
// address.
type PostgresStore struct {
	pool *pgxpool.Pool
	key  string
}

var _ escrow.Store = (*PostgresStore)(nil)

const createEscrowSQL = `
CREATE TABLE IF NOT EXISTS escrow_state (
    address TEXT PRIMARY KEY,
    status SMALLINT NOT NULL,
    state JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table
// exists. key is usually the custody address of the escrow.
func NewPostgresStore(ctx context.Context, dsn, key string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	if key == "" {
		return nil, errors.New("escrow key is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createEscrowSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, key: key}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Load(ctx context.Context) (*escrow.Escrow, error) {
	var blob []byte
	err := p.pool.QueryRow(ctx, `SELECT state FROM escrow_state WHERE address = $1`, p.key).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return decode(blob)
}

func (p *PostgresStore) Save(ctx context.Context, e *escrow.Escrow) error {
	blob, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO escrow_state (address, status, state, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (address) DO UPDATE
SET status = EXCLUDED.status,
    state = EXCLUDED.state,
    updated_at = EXCLUDED.updated_at
`, p.key, int16(e.Status), blob)
	return err
}
