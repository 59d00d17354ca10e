package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

// AdminContextKey marks a request that passed the admin check.
const AdminContextKey contextKey = "auth_admin"

// AdminGuard checks admin bearer tokens against a bcrypt hash. An empty hash
// disables every admin endpoint.
type AdminGuard struct {
	mu   sync.RWMutex
	hash []byte
	log  zerolog.Logger
}

// NewAdminGuard creates a guard for hash.
func NewAdminGuard(hash string, log zerolog.Logger) *AdminGuard {
	return &AdminGuard{hash: []byte(strings.TrimSpace(hash)), log: log}
}

// SetHash swaps the accepted hash. Used on config reload.
func (g *AdminGuard) SetHash(hash string) {
	g.mu.Lock()
	g.hash = []byte(strings.TrimSpace(hash))
	g.mu.Unlock()
}

// Enabled reports whether a hash is configured.
func (g *AdminGuard) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.hash) > 0
}

// Check validates the Authorization header of r.
func (g *AdminGuard) Check(r *http.Request) error {
	g.mu.RLock()
	hash := g.hash
	g.mu.RUnlock()
	if len(hash) == 0 {
		return ErrAdminDisabled
	}

	token, err := bearerToken(r)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			g.log.Error().Err(err).Msg("admin token hash unusable")
		}
		return ErrInvalidToken
	}
	return nil
}

// RequireAdmin rejects requests without a valid admin token.
func (g *AdminGuard) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(r); err != nil {
			g.log.Warn().
				Str("path", r.URL.Path).
				Str("remote", clientIP(r)).
				Err(err).
				Msg("admin request refused")
			writeAuthError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), AdminContextKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IsAdmin reports whether ctx belongs to a request that passed RequireAdmin.
func IsAdmin(ctx context.Context) bool {
	ok, _ := ctx.Value(AdminContextKey).(bool)
	return ok
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}

// ───────────────────────────────────────────────────────────────────────────────
// ERROR RESPONSE HELPER
// ───────────────────────────────────────────────────────────────────────────────

func writeAuthError(w http.ResponseWriter, err error) {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		authErr = &AuthError{Code: "AUTH_ERROR", Message: err.Error()}
	}

	status := http.StatusUnauthorized
	if authErr == ErrAdminDisabled {
		status = http.StatusForbidden
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(authErr)
}
