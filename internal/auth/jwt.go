package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the session token claims.
type Claims struct {
	UserID       int64  `json:"user_id"`
	Username     string `json:"username"`
	LastActivity int64  `json:"last_activity"`
	RememberMe   bool   `json:"remember_me"`
	KeyVersion   int    `json:"key_version"`
	jwt.RegisteredClaims
}

// LastActivityTime returns the last_activity claim as a time.
func (c *Claims) LastActivityTime() time.Time {
	return time.Unix(c.LastActivity, 0)
}

// TokenConfig tunes token lifetimes. Zero durations fall back to the defaults.
type TokenConfig struct {
	Algorithm         string
	Lifetime          time.Duration
	SessionTimeout    time.Duration
	RememberMeTimeout time.Duration
	Now               func() time.Time
}

const (
	defaultTokenLifetime     = 30 * 24 * time.Hour
	defaultSessionTimeout    = 30 * time.Minute
	defaultRememberMeTimeout = 30 * 24 * time.Hour
)

// TokenService issues and verifies signed session tokens.
type TokenService struct {
	keys              Keyring
	method            jwt.SigningMethod
	lifetime          time.Duration
	sessionTimeout    time.Duration
	rememberMeTimeout time.Duration
	now               func() time.Time
}

// NewTokenService creates a token service signing with the current key in keys.
func NewTokenService(keys Keyring, cfg TokenConfig) (*TokenService, error) {
	if len(keys.current) == 0 {
		return nil, errors.New("keyring has no current secret")
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	var method jwt.SigningMethod
	switch alg {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}

	s := &TokenService{
		keys:              keys,
		method:            method,
		lifetime:          cfg.Lifetime,
		sessionTimeout:    cfg.SessionTimeout,
		rememberMeTimeout: cfg.RememberMeTimeout,
		now:               cfg.Now,
	}
	if s.lifetime <= 0 {
		s.lifetime = defaultTokenLifetime
	}
	if s.sessionTimeout <= 0 {
		s.sessionTimeout = defaultSessionTimeout
	}
	if s.rememberMeTimeout <= 0 {
		s.rememberMeTimeout = defaultRememberMeTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// WithKeys returns a copy of s that signs and verifies with keys.
func (s *TokenService) WithKeys(keys Keyring) *TokenService {
	cp := *s
	cp.keys = keys
	return &cp
}

// Keys returns the keyring in use.
func (s *TokenService) Keys() Keyring { return s.keys }

// KeyVersion returns the version stamped into newly issued tokens.
func (s *TokenService) KeyVersion() int { return s.keys.version }

// Issue creates a token for the user. last_activity and iat are both now.
func (s *TokenService) Issue(userID int64, username string, rememberMe bool) (string, *Claims, error) {
	now := s.now()
	claims := &Claims{
		UserID:       userID,
		Username:     username,
		LastActivity: now.Unix(),
		RememberMe:   rememberMe,
		KeyVersion:   s.keys.version,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		},
	}

	token := jwt.NewWithClaims(s.method, claims)
	tokenString, err := token.SignedString(s.keys.current)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, claims, nil
}

func (s *TokenService) parse(tokenString string, secret []byte) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	return claims, err
}

// Verify checks signature, absolute expiry, key version and inactivity, in that order.
// The previous key is only tried when the current one fails on the signature.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.keys.current)
	switch {
	case err == nil:
		if claims.KeyVersion != s.keys.version {
			return nil, ErrTokenInvalidated
		}
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		claims, err = s.verifyPrevious(tokenString)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	timeout := s.sessionTimeout
	if claims.RememberMe {
		timeout = s.rememberMeTimeout
	}
	if s.now().Sub(claims.LastActivityTime()) > timeout {
		return nil, ErrSessionExpired
	}
	return claims, nil
}

func (s *TokenService) verifyPrevious(tokenString string) (*Claims, error) {
	if s.keys.HasPrevious() {
		claims, err := s.parse(tokenString, s.keys.previous)
		switch {
		case err == nil:
			if claims.KeyVersion != s.keys.version-1 {
				return nil, ErrTokenInvalidated
			}
			return claims, nil
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case !errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		}
	}

	// Neither key matches. A version older than the grace window means the
	// key that signed it was rotated out.
	unverified := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, unverified); err == nil &&
		unverified.KeyVersion < s.keys.version-1 {
		return nil, ErrTokenInvalidated
	}
	return nil, ErrTokenInvalidSignature
}

// Refresh verifies tokenString and issues a replacement for the same identity
// with last_activity and expiry reset.
func (s *TokenService) Refresh(tokenString string) (string, *Claims, error) {
	claims, err := s.Verify(tokenString)
	if err != nil {
		return "", nil, err
	}
	return s.Issue(claims.UserID, claims.Username, claims.RememberMe)
}
