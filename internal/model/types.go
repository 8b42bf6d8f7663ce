package model

import (
	"fmt"
	"time"
)

// User represents a registered account
type User struct {
	ID                  int64
	Username            string
	PasswordHash        string
	Email               *string
	FailedLoginAttempts int
	LockedUntil         *time.Time
	KeyVersion          int
	CreatedAt           time.Time
}

// EmailOrEmpty returns the account email or "" when none is set.
func (u User) EmailOrEmpty() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

// NewUser carries the fields needed to create a user record.
type NewUser struct {
	Username     string
	PasswordHash string
	Email        *string
	KeyVersion   int
}

// Settings is the per-user settings row created alongside the account
type Settings struct {
	UserID               int64
	Discoverable         bool
	NotificationsEnabled bool
}

// DefaultSettings returns the settings a freshly registered user starts with.
func DefaultSettings(userID int64) Settings {
	return Settings{UserID: userID, Discoverable: true, NotificationsEnabled: true}
}

// CodePurpose distinguishes what a verification code unlocks.
type CodePurpose string

const (
	PurposeRegistration     CodePurpose = "registration"
	PurposeRecoveryPassword CodePurpose = "recovery_password"
	PurposeRecoveryUsername CodePurpose = "recovery_username"
)

// ParseCodePurpose validates a stored or client-supplied purpose value.
func ParseCodePurpose(s string) (CodePurpose, error) {
	switch p := CodePurpose(s); p {
	case PurposeRegistration, PurposeRecoveryPassword, PurposeRecoveryUsername:
		return p, nil
	}
	return "", fmt.Errorf("unknown code purpose %q", s)
}

// IsRecovery reports whether the purpose belongs to an account-recovery flow.
func (p CodePurpose) IsRecovery() bool {
	return p == PurposeRecoveryPassword || p == PurposeRecoveryUsername
}

// VerificationCode is a short-lived single-use secret bound to an email and purpose.
// CodeHash never holds the plaintext code.
type VerificationCode struct {
	Email     string
	CodeHash  string
	Purpose   CodePurpose
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the code is past its expiry at now.
func (c VerificationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
