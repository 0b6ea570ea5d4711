package store

import (
	"context"
	"sync"
	"time"

	"github.com/parallaxpay/parallaxpay/core"
)

type receiptEntry struct {
	receipt   core.SettlementReceipt
	expiresAt time.Time
}

// MemoryStore is an in-memory implementation of the nonce, session and
// receipt stores. It is only correct for a single process deployment.
type MemoryStore struct {
	mu         sync.Mutex
	nonces     map[string]time.Time
	sessions   map[string]core.Session
	references map[string]string
	receipts   map[string]receiptEntry
	now        func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nonces:     make(map[string]time.Time),
		sessions:   make(map[string]core.Session),
		references: make(map[string]string),
		receipts:   make(map[string]receiptEntry),
		now:        time.Now,
	}
}

// TryConsume marks key as used unless a live entry already exists
func (s *MemoryStore) TryConsume(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiresAt, exists := s.nonces[key]; exists && now.Before(expiresAt) {
		return false, nil
	}
	s.nonces[key] = now.Add(ttl)
	return true, nil
}

// IsConsumed checks if key holds a live entry
func (s *MemoryStore) IsConsumed(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, exists := s.nonces[key]
	if !exists {
		return false, nil
	}
	return s.now().Before(expiresAt), nil
}

// SaveSession stores a copy of session
func (s *MemoryStore) SaveSession(ctx context.Context, session *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = *session
	if session.PaymentReference != "" {
		s.references[session.PaymentReference] = session.ID
	}
	return nil
}

// GetSession returns a copy of the session with the given ID
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return &session, nil
}

// FindSessionByReference returns the session issued for a payment reference
func (s *MemoryStore) FindSessionByReference(ctx context.Context, reference string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.references[reference]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	session, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return &session, nil
}

// DeleteSession removes a session and its reference index
func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteSessionLocked(id)
	return nil
}

func (s *MemoryStore) deleteSessionLocked(id string) {
	session, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if s.references[session.PaymentReference] == id {
		delete(s.references, session.PaymentReference)
	}
}

// SweepExpired drops expired sessions, nonces and receipts. It returns the
// number of sessions removed.
func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.sessions {
		if session.Expired(now) {
			s.deleteSessionLocked(id)
			removed++
		}
	}
	for key, expiresAt := range s.nonces {
		if !now.Before(expiresAt) {
			delete(s.nonces, key)
		}
	}
	for key, entry := range s.receipts {
		if !now.Before(entry.expiresAt) {
			delete(s.receipts, key)
		}
	}
	return removed, nil
}

// SaveReceipt stores a copy of receipt under key
func (s *MemoryStore) SaveReceipt(ctx context.Context, key string, receipt *core.SettlementReceipt, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.receipts[key] = receiptEntry{receipt: *receipt, expiresAt: s.now().Add(ttl)}
	return nil
}

// GetReceipt returns a copy of the receipt stored under key
func (s *MemoryStore) GetReceipt(ctx context.Context, key string) (*core.SettlementReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.receipts[key]
	if !ok || !s.now().Before(entry.expiresAt) {
		return nil, core.ErrReceiptNotFound
	}
	receipt := entry.receipt
	return &receipt, nil
}
