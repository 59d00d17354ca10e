// Package auth guards the administrative HTTP surface with a single bearer
// token whose bcrypt hash lives in the configuration file.
package auth

import "golang.org/x/crypto/bcrypt"

// DefaultCost is the bcrypt cost used by HashToken.
const DefaultCost = 12

// minTokenLength is the shortest admin token HashToken accepts.
const minTokenLength = 16

// ───────────────────────────────────────────────────────────────────────────────
// ERROR TYPES
// ───────────────────────────────────────────────────────────────────────────────

// AuthError represents an authentication-related error.
type AuthError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *AuthError) Error() string {
	return e.Message
}

var (
	ErrMissingToken  = &AuthError{Code: "MISSING_TOKEN", Message: "authorization token required"}
	ErrInvalidToken  = &AuthError{Code: "INVALID_TOKEN", Message: "invalid admin token"}
	ErrAdminDisabled = &AuthError{Code: "ADMIN_DISABLED", Message: "admin endpoints are disabled"}
	ErrWeakToken     = &AuthError{Code: "WEAK_TOKEN", Message: "admin token must be at least 16 characters"}
)

// HashToken returns the bcrypt hash stored as auth.admin_token_hash.
func HashToken(token string) (string, error) {
	if len(token) < minTokenLength {
		return "", ErrWeakToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
