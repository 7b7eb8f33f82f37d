package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// Middleware authenticates HTTP requests with bearer tokens.
type Middleware struct {
	jwtManager *JWTManager
	enabled    bool
	logger     *zap.Logger
}

// NewMiddleware creates a new authentication middleware. When enabled is
// false every request runs as an anonymous principal holding all scopes.
func NewMiddleware(jwtManager *JWTManager, enabled bool, logger *zap.Logger) (*Middleware, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if enabled && jwtManager == nil {
		return nil, errors.New("auth enabled without a jwt manager")
	}
	return &Middleware{jwtManager: jwtManager, enabled: enabled, logger: logger}, nil
}

// Enabled reports whether tokens are enforced.
func (m *Middleware) Enabled() bool { return m.enabled }

// Require wraps next so that it only runs for callers holding scope.
func (m *Middleware) Require(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			ctx := WithPrincipal(r.Context(), &Principal{Subject: "anonymous", Anonymous: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			writeAuthError(w, http.StatusUnauthorized, ErrMissingToken.Error())
			return
		}
		token, err := ExtractBearerToken(header)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}
		principal, err := m.jwtManager.Validate(token)
		if err != nil {
			m.logger.Debug("Rejected token", zap.Error(err), zap.String("path", r.URL.Path))
			writeAuthError(w, http.StatusUnauthorized, ErrInvalidToken.Error())
			return
		}
		if scope != "" && !principal.HasScope(scope) {
			m.logger.Info("Missing scope",
				zap.String("subject", principal.Subject),
				zap.String("scope", scope),
				zap.String("path", r.URL.Path),
			)
			writeAuthError(w, http.StatusForbidden, "missing required scope: "+scope)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// RequireFunc is Require for handler functions.
func (m *Middleware) RequireFunc(scope string, next http.HandlerFunc) http.Handler {
	return m.Require(scope, next)
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// PrincipalFrom extracts the principal from ctx.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	return p, ok && p != nil
}

// RequireScopes checks that the principal in ctx holds every scope.
func RequireScopes(ctx context.Context, requiredScopes ...string) error {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return ErrMissingToken
	}
	for _, required := range requiredScopes {
		if !p.HasScope(required) {
			return errors.Join(ErrInsufficientScope, errors.New(required))
		}
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="a2a"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
