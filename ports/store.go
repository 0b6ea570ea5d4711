package ports

import (
	"context"
	"time"

	"github.com/parallaxpay/parallaxpay/core"
)

// NonceStore records single-use keys. TryConsume must be an atomic
// compare-and-set: exactly one caller observes true for a live key.
type NonceStore interface {
	TryConsume(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IsConsumed(ctx context.Context, key string) (bool, error)
}

// SessionStore persists sessions by ID
type SessionStore interface {
	SaveSession(ctx context.Context, session *core.Session) error
	// GetSession returns core.ErrSessionNotFound for unknown IDs
	GetSession(ctx context.Context, id string) (*core.Session, error)
	FindSessionByReference(ctx context.Context, reference string) (*core.Session, error)
	DeleteSession(ctx context.Context, id string) error
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// ReceiptStore keeps terminal settlement receipts for idempotent settlement
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, key string, receipt *core.SettlementReceipt, ttl time.Duration) error
	// GetReceipt returns core.ErrReceiptNotFound for unknown keys
	GetReceipt(ctx context.Context, key string) (*core.SettlementReceipt, error)
}
