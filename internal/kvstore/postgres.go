package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS mcpchat_kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
)`

	// $3 is the TTL in milliseconds; zero stores no expiry.
	expiresExpr = `CASE WHEN $3::bigint > 0 THEN now() + ($3::bigint * interval '1 millisecond') ELSE NULL END`
	liveExpr    = `(expires_at IS NULL OR expires_at > now())`

	getSQL = `SELECT value FROM mcpchat_kv WHERE key = $1 AND ` + liveExpr

	setSQL = `INSERT INTO mcpchat_kv (key, value, expires_at) VALUES ($1, $2, ` + expiresExpr + `)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`

	setNXSQL = `INSERT INTO mcpchat_kv (key, value, expires_at) VALUES ($1, $2, ` + expiresExpr + `)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
WHERE mcpchat_kv.expires_at IS NOT NULL AND mcpchat_kv.expires_at <= now()`

	extendSQL = `UPDATE mcpchat_kv SET expires_at = ` + expiresExpr + `
WHERE key = $1 AND value = $2 AND ` + liveExpr

	compareDeleteSQL = `DELETE FROM mcpchat_kv WHERE key = $1 AND value = $2 AND ` + liveExpr
	deleteSQL        = `DELETE FROM mcpchat_kv WHERE key = $1`
	deletePrefixSQL  = `DELETE FROM mcpchat_kv WHERE left(key, length($1)) = $1`
	listSQL          = `SELECT key, value FROM mcpchat_kv WHERE left(key, length($1)) = $1 AND ` + liveExpr
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store on a single table. TTLs are evaluated against the
// database clock so instances with skewed clocks agree on lease expiry.
type PostgresStore struct {
	db     DB
	logger *zap.Logger
}

// Connect opens a pool for dsn, verifies connectivity and creates the table when missing.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := NewPostgresStore(pool, logger)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(db DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger.Named("kvstore")}
}

func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}
	p.logger.Debug("kv schema ready")
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRow(ctx, getSQL, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (p *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if _, err := p.db.Exec(ctx, setSQL, key, value, ttl.Milliseconds()); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tag, err := p.db.Exec(ctx, setNXSQL, key, value, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) CompareAndExtend(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	tag, err := p.db.Exec(ctx, extendSQL, key, expected, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	tag, err := p.db.Exec(ctx, compareDeleteSQL, key, expected)
	if err != nil {
		return false, fmt.Errorf("compare-delete %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := p.db.Exec(ctx, deleteSQL, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := p.db.Exec(ctx, deletePrefixSQL, prefix); err != nil {
		return fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := p.db.Query(ctx, listSQL, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}

func (p *PostgresStore) Close() error {
	p.db.Close()
	return nil
}
