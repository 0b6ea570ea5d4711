package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parallaxpay/parallaxpay/core"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis implementation of the nonce, session and receipt
// stores, shared by every gate instance. Expiry is delegated to key TTLs.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "parallaxpay:",
	}
}

// TryConsume sets key only if it does not exist (SET NX)
func (s *RedisStore) TryConsume(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume key: %w", err)
	}
	return ok, nil
}

// IsConsumed checks if key exists
func (s *RedisStore) IsConsumed(ctx context.Context, key string) (bool, error) {
	val, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key: %w", err)
	}
	return val > 0, nil
}

// SaveSession stores the session and its reference index until it expires
func (s *RedisStore) SaveSession(ctx context.Context, session *core.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(session.ID), payload, ttl)
		if session.PaymentReference != "" {
			pipe.Set(ctx, s.referenceKey(session.PaymentReference), session.ID, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *RedisStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	payload, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session core.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// FindSessionByReference resolves the reference index then the session
func (s *RedisStore) FindSessionByReference(ctx context.Context, reference string) (*core.Session, error) {
	id, err := s.client.Get(ctx, s.referenceKey(reference)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session reference: %w", err)
	}
	return s.GetSession(ctx, id)
}

// DeleteSession removes a session. Its reference index expires on its own.
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// SweepExpired is a no-op, Redis expires keys itself
func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// SaveReceipt stores a receipt under key with a TTL
func (s *RedisStore) SaveReceipt(ctx context.Context, key string, receipt *core.SettlementReceipt, ttl time.Duration) error {
	payload, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+"receipt:"+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save receipt: %w", err)
	}
	return nil
}

// GetReceipt retrieves a receipt by key
func (s *RedisStore) GetReceipt(ctx context.Context, key string) (*core.SettlementReceipt, error) {
	payload, err := s.client.Get(ctx, s.prefix+"receipt:"+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrReceiptNotFound
		}
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	var receipt core.SettlementReceipt
	if err := json.Unmarshal(payload, &receipt); err != nil {
		return nil, fmt.Errorf("failed to decode receipt: %w", err)
	}
	return &receipt, nil
}

// Client returns the Redis client so it can be shared with the event publisher
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *RedisStore) referenceKey(reference string) string {
	return s.prefix + "sessionref:" + reference
}
