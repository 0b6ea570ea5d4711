package service

import (
	"context"
	"fmt"
	"time"

	"github.com/parallaxpay/parallaxpay/ports"
)

const (
	minReplayRetention      = time.Minute
	minTransactionRetention = 24 * time.Hour
)

// ReplayGuard records consumed proof nonces, redeemed transactions and
// claimed broadcasts
type ReplayGuard struct {
	store ports.NonceStore
	now   func() time.Time
}

// NewReplayGuard creates a guard over store
func NewReplayGuard(store ports.NonceStore) *ReplayGuard {
	return &ReplayGuard{store: store, now: time.Now}
}

// TryConsume atomically marks nonce as used. Exactly one caller gets true.
// The entry is kept at least until the proof expires.
func (g *ReplayGuard) TryConsume(ctx context.Context, nonce string, expiry time.Time) (bool, error) {
	ok, err := g.store.TryConsume(ctx, nonceKey(nonce), g.retention(expiry))
	if err != nil {
		return false, fmt.Errorf("failed to consume nonce: %w", err)
	}
	return ok, nil
}

// IsConsumed reports whether nonce was already used, without changing state
func (g *ReplayGuard) IsConsumed(ctx context.Context, nonce string) (bool, error) {
	consumed, err := g.store.IsConsumed(ctx, nonceKey(nonce))
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return consumed, nil
}

// ConsumeTransaction atomically marks a settlement transaction as redeemed.
// A transaction pays for one grant, whatever proof carried it.
func (g *ReplayGuard) ConsumeTransaction(ctx context.Context, signature string, expiry time.Time) (bool, error) {
	ttl := g.retention(expiry)
	if ttl < minTransactionRetention {
		ttl = minTransactionRetention
	}
	ok, err := g.store.TryConsume(ctx, transactionKey(signature), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to consume transaction: %w", err)
	}
	return ok, nil
}

// ClaimBroadcast makes one process the broadcaster of a transaction
func (g *ReplayGuard) ClaimBroadcast(ctx context.Context, signature string, expiry time.Time) (bool, error) {
	ok, err := g.store.TryConsume(ctx, broadcastKey(signature), g.retention(expiry))
	if err != nil {
		return false, fmt.Errorf("failed to claim broadcast: %w", err)
	}
	return ok, nil
}

// BroadcastClaimed reports whether some process claimed the broadcast of a
// transaction that has not expired yet
func (g *ReplayGuard) BroadcastClaimed(ctx context.Context, signature string) (bool, error) {
	claimed, err := g.store.IsConsumed(ctx, broadcastKey(signature))
	if err != nil {
		return false, fmt.Errorf("failed to check broadcast: %w", err)
	}
	return claimed, nil
}

func (g *ReplayGuard) retention(expiry time.Time) time.Duration {
	ttl := expiry.Sub(g.now()) + minReplayRetention
	if ttl < minReplayRetention {
		return minReplayRetention
	}
	return ttl
}

func nonceKey(nonce string) string {
	return "nonce:" + nonce
}

func transactionKey(signature string) string {
	return "tx:" + signature
}

func broadcastKey(signature string) string {
	return "broadcast:" + signature
}
