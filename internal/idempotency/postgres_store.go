package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS escrow_idempotency (
    key          TEXT PRIMARY KEY,
    operation    TEXT NOT NULL,
    caller       TEXT NOT NULL,
    request_hash TEXT NOT NULL,
    status_code  INT NOT NULL,
    response     BYTEA NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS escrow_idempotency_expires_idx ON escrow_idempotency (expires_at);
`

// PostgresStore shares records between API replicas.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("idempotency: postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, `
SELECT operation, caller, request_hash, status_code, response, created_at, expires_at
FROM escrow_idempotency
WHERE key = $1 AND expires_at > $2`, key, p.now()).
		Scan(&rec.Operation, &rec.Caller, &rec.RequestHash, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save inserts record, or replaces a row whose window has closed. A live row
// is left untouched.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO escrow_idempotency AS cur (key, operation, caller, request_hash, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (key) DO UPDATE
SET operation    = EXCLUDED.operation,
    caller       = EXCLUDED.caller,
    request_hash = EXCLUDED.request_hash,
    status_code  = EXCLUDED.status_code,
    response     = EXCLUDED.response,
    created_at   = EXCLUDED.created_at,
    expires_at   = EXCLUDED.expires_at
WHERE cur.expires_at <= $9`,
		key, record.Operation, record.Caller, record.RequestHash, record.StatusCode, record.Response,
		record.CreatedAt, record.ExpiresAt, p.now())
	return err
}

// Purge deletes every expired row and returns how many went.
func (p *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM escrow_idempotency WHERE expires_at <= $1`, p.now())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
