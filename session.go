package parallaxpay

import (
	"sync"
	"time"
)

type cachedSession struct {
	token     string
	expiresAt time.Time
}

// SessionCache remembers session tokens per resource so paid access is
// reused until it expires
type SessionCache struct {
	mu       sync.Mutex
	sessions map[string]cachedSession
}

// NewSessionCache creates an empty cache
func NewSessionCache() *SessionCache {
	return &SessionCache{sessions: make(map[string]cachedSession)}
}

// Get returns the live token for resource
func (c *SessionCache) Get(resource string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[resource]
	if !ok {
		return "", false
	}
	if !now.Before(s.expiresAt) {
		delete(c.sessions, resource)
		return "", false
	}
	return s.token, true
}

// Put stores token for resource until expiresAt
func (c *SessionCache) Put(resource, token string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions[resource] = cachedSession{token: token, expiresAt: expiresAt}
}

// Forget drops the token for resource
func (c *SessionCache) Forget(resource string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.sessions, resource)
}
