package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS kv_expires_at_idx ON kv (expires_at) WHERE expires_at IS NOT NULL;
`

// Postgres stores keys in a kv table through a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to dsn and makes sure the kv table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create kv schema: %w", err)
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

func pgExpiry(now time.Time, ttl time.Duration) *time.Time {
	at := expiresAt(now, ttl)
	if at.IsZero() {
		return nil
	}
	return &at
}

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, p.now(),
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get key %s: %w", key, err)
	}
	return value, true, nil
}

const pgUpsert = `INSERT INTO kv (key, value, expires_at) VALUES ($1, $2, $3)
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`

func (p *Postgres) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if _, err := p.pool.Exec(ctx, pgUpsert, key, value, pgExpiry(p.now(), ttl)); err != nil {
		return fmt.Errorf("set key %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := p.now()
	tag, err := p.pool.Exec(ctx,
		pgUpsert+` WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= $4`,
		key, value, pgExpiry(now, ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("setnx key %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete key %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Exec(ctx context.Context, cmds []Command) error {
	if len(cmds) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	now := p.now()
	batch := &pgx.Batch{}
	for _, c := range cmds {
		switch c.Op {
		case OpSet:
			batch.Queue(pgUpsert, c.Key, c.Value, pgExpiry(now, c.TTL))
		case OpDel:
			batch.Queue(`DELETE FROM kv WHERE key = $1`, c.Key)
		default:
			return fmt.Errorf("exec batch: unknown op %q", c.Op)
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("exec batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (p *Postgres) Scan(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key FROM kv
		 WHERE key LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY key`,
		likePrefix(prefix), p.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("scan prefix %s: %w", prefix, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect keys: %w", err)
	}
	return keys, nil
}

// Purge deletes rows whose expiry has passed.
func (p *Postgres) Purge(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= $1`, p.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
