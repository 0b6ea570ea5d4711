package tokenizer

import "github.com/golang-jwt/jwt/v5"

// SessionClaims combines standard claims with session-specific ones
type SessionClaims struct {
	jwt.RegisteredClaims
	ResourceID string `json:"res"`
	Reference  string `json:"ref"` // settlement transaction signature
}
