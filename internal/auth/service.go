package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"

	"github.com/droplink/server/internal/logging"
	"github.com/droplink/server/internal/metrics"
	"github.com/droplink/server/internal/model"
	"github.com/droplink/server/internal/password"
	"github.com/droplink/server/internal/repo"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.]{3,20}$`)

const errMsgUsernameFormat = "Username must be 3-20 characters of lowercase letters, digits, '_' or '.'"

// Session is the result of any operation that hands out a token.
type Session struct {
	Token    string
	UserID   int64
	Username string
}

// RegisterInput is the registration request.
type RegisterInput struct {
	Username string
	Password string
	Email    string
}

// AuthService orchestrates authentication operations
type AuthService struct {
	users     repo.UserRepo
	passwords *password.Policy
	tokens    *TokenService
	lockout   *LockoutPolicy
	codes     *CodeFlow
	log       *slog.Logger
	devMode   bool
}

// NewAuthService creates a new auth service
func NewAuthService(
	users repo.UserRepo,
	passwords *password.Policy,
	tokens *TokenService,
	lockout *LockoutPolicy,
	codes *CodeFlow,
	log *slog.Logger,
	devMode bool,
) *AuthService {
	return &AuthService{
		users:     users,
		passwords: passwords,
		tokens:    tokens,
		lockout:   lockout,
		codes:     codes,
		log:       log,
		devMode:   devMode,
	}
}

// NormalizeUsername trims and lowercases a username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", newValidationError("Invalid email address")
	}
	return email, nil
}

func (s *AuthService) issue(u model.User, rememberMe bool, flow string) (Session, error) {
	token, _, err := s.tokens.Issue(u.ID, u.Username, rememberMe)
	if err != nil {
		return Session{}, err
	}
	metrics.TokensIssuedTotal.WithLabelValues(flow).Inc()
	return Session{Token: token, UserID: u.ID, Username: u.Username}, nil
}

// Register creates an account and returns a session for it.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (Session, error) {
	sess, err := s.register(ctx, in)
	result := "success"
	switch {
	case errors.Is(err, ErrConflict):
		result = "conflict"
	case errors.As(err, new(*ValidationError)):
		result = "invalid"
	case err != nil:
		result = "error"
	}
	metrics.AuthRegistrationsTotal.WithLabelValues(result).Inc()
	return sess, err
}

func (s *AuthService) register(ctx context.Context, in RegisterInput) (Session, error) {
	username := NormalizeUsername(in.Username)
	if !usernamePattern.MatchString(username) {
		return Session{}, newValidationError(errMsgUsernameFormat)
	}

	var email *string
	if strings.TrimSpace(in.Email) != "" {
		e, err := normalizeEmail(in.Email)
		if err != nil {
			return Session{}, err
		}
		email = &e
	}

	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return Session{}, ErrUsernameTaken
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Session{}, fmt.Errorf("check username: %w", err)
	}
	if email != nil {
		if _, err := s.users.GetByEmail(ctx, *email); err == nil {
			return Session{}, ErrEmailTaken
		} else if !errors.Is(err, repo.ErrNotFound) {
			return Session{}, fmt.Errorf("check email: %w", err)
		}
	}

	if res := s.passwords.Validate(in.Password, username); !res.Valid {
		return Session{}, newValidationError(res.Errors...)
	}
	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return Session{}, err
	}

	u, err := s.users.Create(ctx, model.NewUser{
		Username:     username,
		PasswordHash: hash,
		Email:        email,
		KeyVersion:   s.tokens.KeyVersion(),
	})
	switch {
	case errors.Is(err, repo.ErrUsernameExists):
		return Session{}, ErrUsernameTaken
	case errors.Is(err, repo.ErrEmailExists):
		return Session{}, ErrEmailTaken
	case err != nil:
		return Session{}, fmt.Errorf("create user: %w", err)
	}

	s.log.InfoContext(ctx, "user registered", "user_id", u.ID, "username", u.Username)
	return s.issue(u, false, "register")
}

// Login authenticates username/password. Unknown users and wrong passwords
// both return ErrInvalidCredentials; only the logs tell them apart.
func (s *AuthService) Login(ctx context.Context, username, pw string, rememberMe bool) (Session, error) {
	sess, err := s.login(ctx, username, pw, rememberMe)
	result := "success"
	switch {
	case errors.Is(err, ErrAccountLocked):
		result = "locked"
	case errors.Is(err, ErrInvalidCredentials):
		result = "invalid_credentials"
	case err != nil:
		result = "error"
	}
	metrics.AuthLoginsTotal.WithLabelValues(result).Inc()
	return sess, err
}

func (s *AuthService) login(ctx context.Context, username, pw string, rememberMe bool) (Session, error) {
	username = NormalizeUsername(username)
	u, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, repo.ErrNotFound) {
		s.log.InfoContext(ctx, "login rejected", "reason", "unknown_user", "username", username)
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("load user: %w", err)
	}

	if err := s.lockout.Check(ctx, &u); err != nil {
		s.log.InfoContext(ctx, "login rejected", "reason", "locked", "user_id", u.ID)
		return Session{}, err
	}

	if !s.passwords.Verify(pw, u.PasswordHash) {
		s.log.InfoContext(ctx, "login rejected", "reason", "bad_password", "user_id", u.ID)
		return Session{}, s.lockout.RecordFailure(ctx, u)
	}

	if err := s.lockout.RecordSuccess(ctx, u); err != nil {
		return Session{}, err
	}
	return s.issue(u, rememberMe, "login")
}

// Refresh reissues a still-valid token with its activity reset.
func (s *AuthService) Refresh(ctx context.Context, token string) (Session, error) {
	newToken, claims, err := s.tokens.Refresh(token)
	if err != nil {
		s.recordTokenFailure(ctx, err)
		return Session{}, err
	}
	metrics.TokensIssuedTotal.WithLabelValues("refresh").Inc()
	return Session{Token: newToken, UserID: claims.UserID, Username: claims.Username}, nil
}

// Authenticate verifies a bearer token and returns its claims.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		s.recordTokenFailure(ctx, err)
		return nil, err
	}
	return claims, nil
}

func (s *AuthService) recordTokenFailure(ctx context.Context, err error) {
	reason := TokenFailureReason(err)
	metrics.TokenVerificationFailuresTotal.WithLabelValues(reason).Inc()
	s.log.InfoContext(ctx, "token rejected", "reason", reason)
}

// Me returns the account behind userID.
func (s *AuthService) Me(ctx context.Context, userID int64) (model.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.User{}, ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

// ChangePassword replaces the password after checking the current one.
// Outstanding tokens stay valid.
func (s *AuthService) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	u, err := s.Me(ctx, userID)
	if err != nil {
		return err
	}
	if !s.passwords.Verify(current, u.PasswordHash) {
		s.log.InfoContext(ctx, "password change rejected", "reason", "bad_password", "user_id", u.ID)
		return ErrInvalidCredentials
	}
	if res := s.passwords.Validate(next, u.Username); !res.Valid {
		return newValidationError(res.Errors...)
	}
	hash, err := s.passwords.Hash(next)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, u.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	s.log.InfoContext(ctx, "password changed", "user_id", u.ID)
	return nil
}

// ChangeUsername renames the account and returns a token carrying the new name.
func (s *AuthService) ChangeUsername(ctx context.Context, claims *Claims, newUsername, pw string) (Session, error) {
	u, err := s.Me(ctx, claims.UserID)
	if err != nil {
		return Session{}, err
	}
	if !s.passwords.Verify(pw, u.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}

	username := NormalizeUsername(newUsername)
	if !usernamePattern.MatchString(username) {
		return Session{}, newValidationError(errMsgUsernameFormat)
	}
	if username == u.Username {
		return Session{}, newValidationError("New username must differ from the current one")
	}
	err = s.users.UpdateUsername(ctx, u.ID, username)
	if errors.Is(err, repo.ErrUsernameExists) {
		return Session{}, ErrUsernameTaken
	}
	if err != nil {
		return Session{}, fmt.Errorf("update username: %w", err)
	}

	s.log.InfoContext(ctx, "username changed", "user_id", u.ID, "from", u.Username, "to", username)
	u.Username = username
	return s.issue(u, claims.RememberMe, "change_username")
}

// devCode hides a generated code unless the service runs in dev mode.
func (s *AuthService) devCode(code string) string {
	if s.devMode {
		return code
	}
	return ""
}

// SendVerificationCode mails a registration code to an email not yet in use.
// The returned code is empty outside dev mode.
func (s *AuthService) SendVerificationCode(ctx context.Context, email string) (string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return "", ErrEmailTaken
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", fmt.Errorf("check email: %w", err)
	}
	code, err := s.codes.Send(ctx, email, model.PurposeRegistration)
	if err != nil {
		return "", err
	}
	return s.devCode(code), nil
}

// VerifyEmailCode checks and consumes a registration code.
func (s *AuthService) VerifyEmailCode(ctx context.Context, email, code string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	return s.codes.Verify(ctx, email, code, model.PurposeRegistration)
}

func (s *AuthService) accountByEmail(ctx context.Context, email string) (model.User, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		s.log.InfoContext(ctx, "recovery rejected", "reason", "unknown_email", "email", logging.MaskEmail(email))
		return model.User{}, ErrAccountNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("load user by email: %w", err)
	}
	return u, nil
}

func recoveryPurpose(purpose model.CodePurpose) error {
	if !purpose.IsRecovery() {
		return newValidationError("Recovery type must be 'password' or 'username'")
	}
	return nil
}

// SendRecoveryCode mails a recovery code to the email of an existing account.
func (s *AuthService) SendRecoveryCode(ctx context.Context, email string, purpose model.CodePurpose) (string, error) {
	if err := recoveryPurpose(purpose); err != nil {
		return "", err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	if _, err := s.accountByEmail(ctx, email); err != nil {
		return "", err
	}
	code, err := s.codes.Send(ctx, email, purpose)
	if err != nil {
		return "", err
	}
	return s.devCode(code), nil
}

// VerifyRecoveryCode checks a recovery code. For username recovery it returns
// the account's username; a password recovery code stays valid for ResetPassword.
func (s *AuthService) VerifyRecoveryCode(ctx context.Context, email, code string, purpose model.CodePurpose) (string, error) {
	if err := recoveryPurpose(purpose); err != nil {
		return "", err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	u, err := s.accountByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if err := s.codes.Verify(ctx, email, code, purpose); err != nil {
		return "", err
	}
	if purpose == model.PurposeRecoveryUsername {
		return u.Username, nil
	}
	return "", nil
}

// ResetPassword sets a new password using a password recovery code and then
// consumes the code. A rejected new password leaves the code usable.
func (s *AuthService) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	u, err := s.accountByEmail(ctx, email)
	if err != nil {
		return err
	}
	if err := s.codes.Verify(ctx, email, code, model.PurposeRecoveryPassword); err != nil {
		return err
	}
	if res := s.passwords.Validate(newPassword, u.Username); !res.Valid {
		return newValidationError(res.Errors...)
	}
	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, u.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.codes.Consume(ctx, email, model.PurposeRecoveryPassword); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "password reset", "user_id", u.ID)
	return nil
}

// UnlockAccount clears the lockout state of username.
func (s *AuthService) UnlockAccount(ctx context.Context, username string) (model.User, error) {
	u, err := s.lockout.Unlock(ctx, NormalizeUsername(username))
	if err != nil {
		return model.User{}, err
	}
	s.log.InfoContext(ctx, "account unlocked", "user_id", u.ID)
	return u, nil
}

// PlanKeyRotation returns a new secret and the configuration to deploy it.
func (s *AuthService) PlanKeyRotation(ctx context.Context) (RotationPlan, error) {
	plan, err := PlanRotation(s.tokens.Keys())
	if err != nil {
		return RotationPlan{}, err
	}
	s.log.WarnContext(ctx, "key rotation planned", "from_version", plan.PreviousVersion, "to_version", plan.NewVersion)
	return plan, nil
}

// CheckPasswordStrength scores a candidate password without storing anything.
func (s *AuthService) CheckPasswordStrength(pw, username string) (password.Result, password.Requirements) {
	return s.passwords.Validate(pw, NormalizeUsername(username)), s.passwords.Requirements()
}

// PurgeExpiredCodes deletes expired verification codes.
func (s *AuthService) PurgeExpiredCodes(ctx context.Context) (int64, error) {
	return s.codes.PurgeExpired(ctx)
}
