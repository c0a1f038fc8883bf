package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// UserContextKey is the context key for user information
	UserContextKey ContextKey = "user"
)

// Middleware authenticates HTTP requests. A nil JWT manager disables
// authentication and every request passes through without a user.
type Middleware struct {
	jwtManager *JWTManager
	logger     *zap.Logger
	// queryPaths lists path prefixes that may pass the token as ?token=,
	// since browsers cannot set headers on WebSocket and EventSource.
	queryPaths []string
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(jwtManager *JWTManager, logger *zap.Logger, queryPaths ...string) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{jwtManager: jwtManager, logger: logger, queryPaths: queryPaths}
}

// Enabled reports whether requests are authenticated.
func (m *Middleware) Enabled() bool { return m.jwtManager != nil }

// HTTPMiddleware provides HTTP authentication middleware
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.jwtManager == nil {
			next.ServeHTTP(w, r)
			return
		}

		token := ""
		if h := r.Header.Get("Authorization"); h != "" {
			t, err := ExtractBearerToken(h)
			if err != nil {
				unauthorized(w, "invalid authorization header")
				return
			}
			token = t
		} else if m.allowsQueryToken(r.URL.Path) {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			unauthorized(w, "bearer token is required")
			return
		}

		userCtx, err := m.jwtManager.ValidateAccessToken(token)
		if err != nil {
			m.logger.Debug("Rejected token", zap.String("path", r.URL.Path), zap.Error(err))
			unauthorized(w, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), UserContextKey, userCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) allowsQueryToken(path string) bool {
	for _, p := range m.queryPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="research"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// GetUserContext extracts user context from context
func GetUserContext(ctx context.Context) (*UserContext, bool) {
	userCtx, ok := ctx.Value(UserContextKey).(*UserContext)
	return userCtx, ok && userCtx != nil
}
