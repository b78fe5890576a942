package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/isis-anubis/walletauth/core"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS auth_nonces (
	public_key TEXT PRIMARY KEY,
	nonce      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auth_nonces_expires_at ON auth_nonces (expires_at);

CREATE TABLE IF NOT EXISTS token_blacklist (
	jti        TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_token_blacklist_expires_at ON token_blacklist (expires_at);
`

// OpenPostgres creates a pgx pool, pings it and ensures the auth tables exist
func OpenPostgres(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure auth schema: %w", err)
	}

	slog.Info("database connected", "max_conns", cfg.MaxConns)
	return pool, nil
}

// PostgresNonceStore is a durable NonceStore backed by the auth_nonces table
type PostgresNonceStore struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgresNonceStore creates a new Postgres nonce store
func NewPostgresNonceStore(pool *pgxpool.Pool, opts ...Option) *PostgresNonceStore {
	return &PostgresNonceStore{pool: pool, opts: newOptions("", opts)}
}

// Issue upserts a fresh nonce for publicKey
func (s *PostgresNonceStore) Issue(ctx context.Context, publicKey string) (core.NonceRecord, error) {
	nonce, err := generateNonce()
	if err != nil {
		return core.NonceRecord{}, err
	}

	record := core.NonceRecord{
		PublicKey: publicKey,
		Nonce:     nonce,
		ExpiresAt: s.opts.now().Add(s.opts.nonceTTL).UTC(),
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO auth_nonces (public_key, nonce, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (public_key) DO UPDATE SET nonce = EXCLUDED.nonce, expires_at = EXCLUDED.expires_at`,
		record.PublicKey, record.Nonce, record.ExpiresAt)
	if err != nil {
		return core.NonceRecord{}, storeErr("store nonce", err)
	}

	return record, nil
}

// ValidateAndConsume deletes the row only when it matches and is unexpired.
// An expired row is removed regardless of the supplied value.
func (s *PostgresNonceStore) ValidateAndConsume(ctx context.Context, publicKey, nonce string) (bool, error) {
	now := s.opts.now().UTC()

	var consumed string
	err := s.pool.QueryRow(ctx,
		`DELETE FROM auth_nonces
		 WHERE public_key = $1 AND nonce = $2 AND expires_at > $3
		 RETURNING public_key`,
		publicKey, nonce, now).Scan(&consumed)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, storeErr("consume nonce", err)
	}

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM auth_nonces WHERE public_key = $1 AND expires_at <= $2`, publicKey, now); err != nil {
		return false, storeErr("drop expired nonce", err)
	}
	return false, nil
}

// SweepExpired deletes expired nonces
func (s *PostgresNonceStore) SweepExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_nonces WHERE expires_at <= $1`, s.opts.now().UTC())
	if err != nil {
		return 0, storeErr("clean expired nonces", err)
	}
	return int(tag.RowsAffected()), nil
}

// PostgresBlacklist is a durable Blacklist backed by the token_blacklist table
type PostgresBlacklist struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgresBlacklist creates a new Postgres blacklist
func NewPostgresBlacklist(pool *pgxpool.Pool, opts ...Option) *PostgresBlacklist {
	return &PostgresBlacklist{pool: pool, opts: newOptions("", opts)}
}

// Revoke inserts the jti; a second revoke leaves the row untouched
func (s *PostgresBlacklist) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if !expiresAt.After(s.opts.now()) {
		return nil
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO token_blacklist (jti, expires_at) VALUES ($1, $2)
		 ON CONFLICT (jti) DO NOTHING`,
		jti, expiresAt.UTC())
	if err != nil {
		return storeErr("revoke token", err)
	}
	return nil
}

// IsRevoked checks for an unexpired blacklist row
func (s *PostgresBlacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM token_blacklist WHERE jti = $1 AND expires_at > $2)`,
		jti, s.opts.now().UTC()).Scan(&revoked)
	if err != nil {
		return false, storeErr("check token revocation", err)
	}
	return revoked, nil
}

// SweepExpired deletes rows for tokens that have expired on their own
func (s *PostgresBlacklist) SweepExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM token_blacklist WHERE expires_at <= $1`, s.opts.now().UTC())
	if err != nil {
		return 0, storeErr("clean expired blacklist entries", err)
	}
	return int(tag.RowsAffected()), nil
}
