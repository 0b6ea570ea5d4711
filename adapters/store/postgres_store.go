package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/parallaxpay/parallaxpay/core"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS parallaxpay_nonces (
	key        TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS parallaxpay_sessions (
	id                TEXT PRIMARY KEY,
	token             TEXT NOT NULL,
	resource_id       TEXT NOT NULL,
	payment_reference TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS parallaxpay_sessions_reference_idx ON parallaxpay_sessions (payment_reference);
CREATE TABLE IF NOT EXISTS parallaxpay_receipts (
	key        TEXT PRIMARY KEY,
	body       JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore is a Postgres implementation of the nonce, session and
// receipt stores
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and applies the schema
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// TryConsume inserts key, or takes over an expired row, in one statement
func (s *PostgresStore) TryConsume(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO parallaxpay_nonces (key, expires_at) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE parallaxpay_nonces.expires_at <= now()`,
		key, time.Now().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to consume key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IsConsumed checks if key holds a live row
func (s *PostgresStore) IsConsumed(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM parallaxpay_nonces WHERE key = $1 AND expires_at > now())`,
		key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check key: %w", err)
	}
	return exists, nil
}

// SaveSession upserts a session row
func (s *PostgresStore) SaveSession(ctx context.Context, session *core.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO parallaxpay_sessions (id, token, resource_id, payment_reference, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at`,
		session.ID, session.Token, session.ResourceID, session.PaymentReference, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	return s.querySession(ctx, `
		SELECT id, token, resource_id, payment_reference, created_at, expires_at
		FROM parallaxpay_sessions WHERE id = $1`, id)
}

// FindSessionByReference returns the newest session for a payment reference
func (s *PostgresStore) FindSessionByReference(ctx context.Context, reference string) (*core.Session, error) {
	return s.querySession(ctx, `
		SELECT id, token, resource_id, payment_reference, created_at, expires_at
		FROM parallaxpay_sessions WHERE payment_reference = $1
		ORDER BY created_at DESC LIMIT 1`, reference)
}

func (s *PostgresStore) querySession(ctx context.Context, query string, arg string) (*core.Session, error) {
	var session core.Session
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&session.ID,
		&session.Token,
		&session.ResourceID,
		&session.PaymentReference,
		&session.CreatedAt,
		&session.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// DeleteSession removes a session row
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM parallaxpay_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// SweepExpired deletes expired rows from every table and returns the
// number of sessions removed
func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM parallaxpay_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM parallaxpay_nonces WHERE expires_at <= $1`, now); err != nil {
		return 0, fmt.Errorf("failed to sweep nonces: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM parallaxpay_receipts WHERE expires_at <= $1`, now); err != nil {
		return 0, fmt.Errorf("failed to sweep receipts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveReceipt upserts a receipt row
func (s *PostgresStore) SaveReceipt(ctx context.Context, key string, receipt *core.SettlementReceipt, ttl time.Duration) error {
	body, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO parallaxpay_receipts (key, body, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET body = EXCLUDED.body, expires_at = EXCLUDED.expires_at`,
		key, body, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to save receipt: %w", err)
	}
	return nil
}

// GetReceipt retrieves a live receipt by key
func (s *PostgresStore) GetReceipt(ctx context.Context, key string) (*core.SettlementReceipt, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM parallaxpay_receipts WHERE key = $1 AND expires_at > now()`,
		key).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrReceiptNotFound
		}
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	var receipt core.SettlementReceipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return nil, fmt.Errorf("failed to decode receipt: %w", err)
	}
	return &receipt, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}
