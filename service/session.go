package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parallaxpay/parallaxpay/core"
	"github.com/parallaxpay/parallaxpay/internal/log"
	"github.com/parallaxpay/parallaxpay/ports"
)

const sessionIDBytes = 32

// SessionIssuer grants time limited access after a settled payment
type SessionIssuer struct {
	store     ports.SessionStore
	tokenizer ports.Tokenizer
	eventPub  ports.EventPublisher
	ttl       time.Duration
	mu        sync.Mutex
	now       func() time.Time
}

// NewSessionIssuer creates a session issuer. eventPub may be nil.
func NewSessionIssuer(
	store ports.SessionStore,
	tokenizer ports.Tokenizer,
	eventPub ports.EventPublisher,
	ttl time.Duration,
) *SessionIssuer {
	return &SessionIssuer{
		store:     store,
		tokenizer: tokenizer,
		eventPub:  eventPub,
		ttl:       ttl,
		now:       time.Now,
	}
}

// TTL returns the lifetime of new sessions
func (s *SessionIssuer) TTL() time.Duration {
	return s.ttl
}

// Issue creates a session for a confirmed or finalized receipt. A payment
// buys one session lifetime counted from settlement. Issuing again for the
// same payment rotates the live session: the new token replaces the old one
// and keeps its expiry.
func (s *SessionIssuer) Issue(ctx context.Context, resourceID string, receipt *core.SettlementReceipt) (*core.Session, error) {
	if receipt == nil || !receipt.State.Settled() {
		return nil, core.Reject(core.ErrSettlementRejected, "payment is not settled")
	}
	reference := receipt.TransactionSignature

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expiresAt := now.Add(s.ttl)
	if !receipt.SettledAt.IsZero() && receipt.SettledAt.Add(s.ttl).Before(expiresAt) {
		expiresAt = receipt.SettledAt.Add(s.ttl)
	}

	existing, err := s.store.FindSessionByReference(ctx, reference)
	switch {
	case err == nil:
		if existing.ResourceID != resourceID {
			return nil, core.Reject(core.ErrPriceMismatch, "payment %s is for resource %s", reference, existing.ResourceID)
		}
		expiresAt = existing.ExpiresAt
	case !errors.Is(err, core.ErrSessionNotFound):
		return nil, err
	}
	if !expiresAt.After(now) {
		return nil, core.Reject(core.ErrSessionExpired, "payment %s no longer grants access", reference)
	}

	session, err := s.create(ctx, resourceID, reference, now, expiresAt)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.store.DeleteSession(ctx, existing.ID); err != nil {
			log.WithError(err).Warn("failed to revoke rotated session")
		}
	}
	return session, nil
}

func (s *SessionIssuer) create(ctx context.Context, resourceID, reference string, now, expiresAt time.Time) (*core.Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	session := &core.Session{
		ID:               id,
		ResourceID:       resourceID,
		PaymentReference: reference,
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
	}
	if session.Token, err = s.tokenizer.SessionToToken(session); err != nil {
		return nil, fmt.Errorf("failed to create session token: %w", err)
	}
	if err := s.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	if s.eventPub != nil {
		if err := s.eventPub.PublishSessionIssued(ctx, session); err != nil {
			log.WithError(err).Warn("failed to publish session event")
		}
	}
	return session, nil
}

// Lookup resolves a token to its live session. Expired sessions are
// removed on the way.
func (s *SessionIssuer) Lookup(ctx context.Context, token string) (*core.Session, error) {
	id, err := s.tokenizer.TokenToSessionID(token)
	if err != nil {
		return nil, err
	}

	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Token != token {
		return nil, core.ErrSessionNotFound
	}
	if session.Expired(s.now()) {
		if err := s.store.DeleteSession(ctx, id); err != nil {
			log.WithError(err).Warn("failed to delete expired session")
		}
		return nil, core.ErrSessionExpired
	}
	return session, nil
}

// Sweep removes expired sessions and returns how many were removed
func (s *SessionIssuer) Sweep(ctx context.Context) (int, error) {
	return s.store.SweepExpired(ctx, s.now())
}

// RunSweeper calls Sweep every interval until ctx is done
func (s *SessionIssuer) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Sweep(ctx)
			if err != nil {
				log.WithError(err).Warn("session sweep failed")
				continue
			}
			if removed > 0 {
				log.WithField("removed", removed).Info("expired sessions swept")
			}
		}
	}
}

func newSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}
