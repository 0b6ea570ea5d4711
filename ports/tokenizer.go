package ports

import "github.com/parallaxpay/parallaxpay/core"

// Tokenizer converts between sessions and bearer tokens
type Tokenizer interface {
	SessionToToken(session *core.Session) (string, error)
	// TokenToSessionID returns core.ErrSessionExpired for expired tokens and
	// core.ErrSessionNotFound for anything it cannot authenticate
	TokenToSessionID(token string) (string, error)
}
