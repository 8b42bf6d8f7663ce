package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const secretBytes = 32

// Keyring holds the signing secrets a TokenService accepts. The previous
// secret, when set, belongs to version-1 and is only honoured for tokens
// stamped with that version.
type Keyring struct {
	current  []byte
	previous []byte
	version  int
}

// NewKeyring builds a keyring from configured secrets. previous may be empty.
func NewKeyring(current, previous string, version int) (Keyring, error) {
	if current == "" {
		return Keyring{}, errors.New("current signing secret is required")
	}
	if version < 1 {
		return Keyring{}, fmt.Errorf("key version must be >= 1, got %d", version)
	}
	if previous != "" && previous == current {
		return Keyring{}, errors.New("previous signing secret must differ from the current one")
	}
	k := Keyring{current: []byte(current), version: version}
	if previous != "" {
		k.previous = []byte(previous)
	}
	return k, nil
}

// Version returns the current key version.
func (k Keyring) Version() int { return k.version }

// HasPrevious reports whether a grace-period key is configured.
func (k Keyring) HasPrevious() bool { return len(k.previous) > 0 }

// Rotate returns the keyring that follows k: newSecret becomes current, the
// old current secret moves to the previous slot and the version advances by one.
// The secret that was previous before the rotation is dropped.
func (k Keyring) Rotate(newSecret string) (Keyring, error) {
	if newSecret == "" {
		return Keyring{}, errors.New("new signing secret is required")
	}
	if newSecret == string(k.current) {
		return Keyring{}, errors.New("new signing secret must differ from the current one")
	}
	return Keyring{
		current:  []byte(newSecret),
		previous: k.current,
		version:  k.version + 1,
	}, nil
}

// GenerateSecret returns a random URL-safe Base64 secret of 32 bytes.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RotationPlan describes a key rotation the operator applies by updating
// the deployed configuration and restarting the service.
type RotationPlan struct {
	NewSecret       string   `json:"new_secret"`
	NewVersion      int      `json:"new_key_version"`
	PreviousVersion int      `json:"previous_key_version"`
	Env             []string `json:"env"`
	Instructions    []string `json:"instructions"`
}

// PlanRotation generates a fresh secret and the configuration that puts k
// one rotation ahead. It does not change k.
func PlanRotation(k Keyring) (RotationPlan, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return RotationPlan{}, err
	}
	next, err := k.Rotate(secret)
	if err != nil {
		return RotationPlan{}, err
	}
	instructions := []string{
		"Copy the current JWT_SECRET_KEY value into JWT_PREVIOUS_SECRET_KEY.",
		"Set JWT_SECRET_KEY to new_secret.",
		fmt.Sprintf("Set JWT_KEY_VERSION to %d.", next.version),
		"Restart every instance. Tokens from the previous key keep working until they expire.",
	}
	if k.version > 1 {
		instructions = append(instructions,
			fmt.Sprintf("Tokens signed with key version %d or older stop verifying after the restart.", k.version-1))
	}
	return RotationPlan{
		NewSecret:       secret,
		NewVersion:      next.version,
		PreviousVersion: k.version,
		Env: []string{
			"JWT_SECRET_KEY=" + secret,
			"JWT_PREVIOUS_SECRET_KEY=<current value of JWT_SECRET_KEY>",
			fmt.Sprintf("JWT_KEY_VERSION=%d", next.version),
		},
		Instructions: instructions,
	}, nil
}
