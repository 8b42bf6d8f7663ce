package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidCredentials covers both an unknown username and a wrong password.
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountLocked      = errors.New("account is locked")
	ErrAccountNotFound    = errors.New("no account found for this email")
	ErrUserNotFound       = errors.New("user not found")

	ErrConflict      = errors.New("conflict")
	ErrUsernameTaken = fmt.Errorf("%w: username already taken", ErrConflict)
	ErrEmailTaken    = fmt.Errorf("%w: email already registered", ErrConflict)

	ErrTokenExpired          = errors.New("token expired")
	ErrTokenInvalidSignature = errors.New("token signature is invalid")
	ErrTokenInvalidated      = errors.New("token signed with a retired key version")
	ErrSessionExpired        = errors.New("session expired due to inactivity")
	ErrTokenMalformed        = errors.New("token malformed")

	ErrCodeNotFound = errors.New("verification code not found")
	ErrCodeExpired  = errors.New("verification code expired")
	ErrCodeMismatch = errors.New("verification code does not match")
)

// ValidationError carries every reason an input was rejected.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

func newValidationError(reasons ...string) *ValidationError {
	return &ValidationError{Reasons: reasons}
}

// CredentialsError is returned by Login on a wrong password for an existing,
// unlocked account. Remaining is the number of failures left before lockout.
type CredentialsError struct {
	Remaining int
}

func (e *CredentialsError) Error() string {
	return fmt.Sprintf("%s (%d attempts remaining)", ErrInvalidCredentials, e.Remaining)
}

func (e *CredentialsError) Unwrap() error { return ErrInvalidCredentials }

// LockedError reports an account lock and how long it still holds.
type LockedError struct {
	Until     time.Time
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s for another %s", ErrAccountLocked, e.Remaining.Round(time.Second))
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// RetryAfterSeconds rounds the remaining lock time up to whole seconds.
func (e *LockedError) RetryAfterSeconds() int {
	secs := int(e.Remaining / time.Second)
	if e.Remaining%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// IsTokenError reports whether err is one of the token verification failures.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenInvalidSignature) ||
		errors.Is(err, ErrTokenInvalidated) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrTokenMalformed)
}

// TokenFailureReason returns a short label for a token error, used in logs and metrics.
func TokenFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrTokenInvalidated):
		return "invalidated"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	}
	return "unknown"
}
