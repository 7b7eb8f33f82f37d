package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// PrincipalContextKey holds the authenticated caller.
	PrincipalContextKey ContextKey = "principal"
)

// Scopes for authorization
const (
	ScopeDispatchExecute = "dispatch:execute"
	ScopeAgentsRead      = "agents:read"
)

// DefaultIssuer is used when no issuer is configured.
const DefaultIssuer = "a2a-orchestrator"

var (
	ErrMissingToken      = errors.New("missing bearer token")
	ErrInvalidToken      = errors.New("invalid token")
	ErrInsufficientScope = errors.New("insufficient scope")
)

// Claims are the JWT claims accepted by the API.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject   string    `json:"subject"`
	TokenID   uuid.UUID `json:"token_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
	Anonymous bool      `json:"anonymous"`
}

// HasScope reports whether the principal was granted scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	if p.Anonymous {
		return true
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
