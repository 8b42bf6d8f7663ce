package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droplink/server/internal/model"
	"github.com/droplink/server/internal/password"
)

func TestRegister_success(t *testing.T) {
	env := newTestEnv(t)

	sess := env.register(t, "Alice", "Alice@X.com")
	assert.Equal(t, "alice", sess.Username)
	assert.NotEmpty(t, sess.Token)

	u, err := env.store.Users().GetByID(context.Background(), sess.UserID)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "alice@x.com", u.EmailOrEmpty())
	assert.Equal(t, 1, u.KeyVersion)
	assert.NotEqual(t, goodPassword, u.PasswordHash)

	settings, ok := env.store.Settings(sess.UserID)
	require.True(t, ok)
	assert.Equal(t, model.DefaultSettings(sess.UserID), settings)

	claims, err := env.svc.Authenticate(context.Background(), sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, claims.UserID)
}

func TestRegister_usernameConflictIgnoresCase(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "")

	_, err := env.svc.Register(context.Background(), RegisterInput{Username: "ALICE", Password: goodPassword})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegister_emailConflictIgnoresCase(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "alice@x.com")

	_, err := env.svc.Register(context.Background(), RegisterInput{
		Username: "bob",
		Password: goodPassword,
		Email:    "ALICE@x.com",
	})
	assert.ErrorIs(t, err, ErrEmailTaken)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegister_validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   RegisterInput
		want string
	}{
		{"short username", RegisterInput{Username: "al", Password: goodPassword}, errMsgUsernameFormat},
		{"bad username chars", RegisterInput{Username: "al ice", Password: goodPassword}, errMsgUsernameFormat},
		{"bad email", RegisterInput{Username: "alice", Password: goodPassword, Email: "nope"}, "Invalid email address"},
		{"common password", RegisterInput{Username: "alice", Password: "password"}, password.ErrMsgTooCommon},
		{"contains username", RegisterInput{Username: "alice", Password: "Alice!2024xyz"}, password.ErrMsgContainsUser},
		{"weak but compliant", RegisterInput{Username: "alice", Password: "Abcd1234!"}, password.ErrMsgTooWeak},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Register(ctx, tt.in)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Reasons, tt.want)
		})
	}
}

func TestRegister_reportsEveryPasswordRule(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Register(context.Background(), RegisterInput{Username: "alice", Password: "abc"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reasons, password.ErrMsgTooShort)
	assert.Contains(t, verr.Reasons, password.ErrMsgNoUpper)
	assert.Contains(t, verr.Reasons, password.ErrMsgNoDigit)
	assert.Contains(t, verr.Reasons, password.ErrMsgNoSymbol)
}

func TestLogin_caseInsensitiveUsername(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t, "alice", "alice@x.com")

	sess, err := env.svc.Login(context.Background(), "Alice", goodPassword, false)
	require.NoError(t, err)
	assert.Equal(t, reg.UserID, sess.UserID)
	assert.Equal(t, "alice", sess.Username)
}

func TestLogin_unknownUserLooksLikeWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "")

	_, errUnknown := env.svc.Login(context.Background(), "nobody", goodPassword, false)
	_, errWrong := env.svc.Login(context.Background(), "alice", "Wrong!Pass1", false)

	assert.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	assert.ErrorIs(t, errWrong, ErrInvalidCredentials)
}

func TestLogin_lockoutLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "alice@x.com")

	for i := 1; i <= 4; i++ {
		_, err := env.svc.Login(ctx, "alice", "Wrong!Pass1", false)
		var cerr *CredentialsError
		require.ErrorAs(t, err, &cerr, "attempt %d", i)
		assert.Equal(t, 5-i, cerr.Remaining)
	}
	assert.Equal(t, 0, env.mailer.lockoutCount())

	_, err := env.svc.Login(ctx, "alice", "Wrong!Pass1", false)
	var lerr *LockedError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, 15*time.Minute, lerr.Remaining)
	assert.Equal(t, 900, lerr.RetryAfterSeconds())
	assert.Equal(t, 1, env.mailer.lockoutCount())

	// Correct password while locked is still rejected and changes nothing.
	env.clock.Advance(time.Minute)
	_, err = env.svc.Login(ctx, "alice", goodPassword, false)
	require.ErrorAs(t, err, &lerr)
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.Equal(t, 14*time.Minute, lerr.Remaining)

	_, err = env.svc.Login(ctx, "alice", "Wrong!Pass1", false)
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.Equal(t, 1, env.mailer.lockoutCount())

	u, err := env.store.Users().GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 5, u.FailedLoginAttempts)

	env.clock.Advance(14*time.Minute + time.Second)
	_, err = env.svc.Login(ctx, "alice", goodPassword, false)
	require.NoError(t, err)

	u, err = env.store.Users().GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, u.FailedLoginAttempts)
	assert.Nil(t, u.LockedUntil)
}

func TestLogin_expiredLockResetsCounterBeforeFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "")

	for i := 0; i < 5; i++ {
		_, _ = env.svc.Login(ctx, "alice", "Wrong!Pass1", false)
	}
	env.clock.Advance(16 * time.Minute)

	_, err := env.svc.Login(ctx, "alice", "Wrong!Pass1", false)
	var cerr *CredentialsError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 4, cerr.Remaining)
}

func TestLogin_successResetsCounter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "")

	for i := 0; i < 3; i++ {
		_, _ = env.svc.Login(ctx, "alice", "Wrong!Pass1", false)
	}
	_, err := env.svc.Login(ctx, "alice", goodPassword, false)
	require.NoError(t, err)

	u, err := env.store.Users().GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, u.FailedLoginAttempts)
}

func TestLogin_lockoutWithoutEmailSendsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "")

	for i := 0; i < 5; i++ {
		_, _ = env.svc.Login(ctx, "alice", "Wrong!Pass1", false)
	}
	assert.Equal(t, 0, env.mailer.lockoutCount())
}

func TestLogin_concurrentFailuresAreAllCounted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.svc.Login(ctx, "alice", "Wrong!Pass1", false)
		}()
	}
	wg.Wait()

	u, err := env.store.Users().GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, u.FailedLoginAttempts)
	assert.Nil(t, u.LockedUntil)
}

func TestLogin_rememberMe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "")

	sess, err := env.svc.Login(ctx, "alice", goodPassword, true)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)
	claims, err := env.svc.Authenticate(ctx, sess.Token)
	require.NoError(t, err)
	assert.True(t, claims.RememberMe)
}

func TestRefresh_surfacesTokenErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := env.register(t, "alice", "")

	env.clock.Advance(10 * time.Minute)
	sess, err := env.svc.Refresh(ctx, reg.Token)
	require.NoError(t, err)
	assert.Equal(t, reg.UserID, sess.UserID)
	assert.NotEqual(t, reg.Token, sess.Token)

	env.clock.Advance(31 * time.Minute)
	_, err = env.svc.Refresh(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)

	_, err = env.svc.Refresh(ctx, "garbage")
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := env.register(t, "alice", "")

	err := env.svc.ChangePassword(ctx, reg.UserID, "Wrong!Pass1", "N3w!Secure#Pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = env.svc.ChangePassword(ctx, reg.UserID, goodPassword, "password")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, env.svc.ChangePassword(ctx, reg.UserID, goodPassword, "N3w!Secure#Pw"))

	_, err = env.svc.Login(ctx, "alice", goodPassword, false)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = env.svc.Login(ctx, "alice", "N3w!Secure#Pw", false)
	assert.NoError(t, err)

	// Existing tokens stay valid.
	_, err = env.svc.Authenticate(ctx, reg.Token)
	assert.NoError(t, err)
}

func TestChangeUsername(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := env.register(t, "alice", "")
	env.register(t, "bob", "")

	claims, err := env.svc.Authenticate(ctx, reg.Token)
	require.NoError(t, err)

	_, err = env.svc.ChangeUsername(ctx, claims, "Bob", goodPassword)
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = env.svc.ChangeUsername(ctx, claims, "alicia", "Wrong!Pass1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.svc.ChangeUsername(ctx, claims, "x", goodPassword)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	sess, err := env.svc.ChangeUsername(ctx, claims, "Alicia", goodPassword)
	require.NoError(t, err)
	assert.Equal(t, "alicia", sess.Username)

	newClaims, err := env.svc.Authenticate(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "alicia", newClaims.Username)

	_, err = env.svc.Login(ctx, "alice", goodPassword, false)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = env.svc.Login(ctx, "alicia", goodPassword, false)
	assert.NoError(t, err)
}

func TestMe(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t, "alice", "alice@x.com")

	u, err := env.svc.Me(context.Background(), reg.UserID)
	require.NoError(t, err)
	assert.Equal(t, "alice@x.com", u.EmailOrEmpty())

	_, err = env.svc.Me(context.Background(), 999)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSendVerificationCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "alice@x.com")

	_, err := env.svc.SendVerificationCode(ctx, "ALICE@x.com")
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = env.svc.SendVerificationCode(ctx, "bad")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	code, err := env.svc.SendVerificationCode(ctx, "new@x.com")
	require.NoError(t, err)
	assert.Len(t, code, 6, "dev mode returns the code")

	require.NoError(t, env.svc.VerifyEmailCode(ctx, "new@x.com", code))
	assert.ErrorIs(t, env.svc.VerifyEmailCode(ctx, "new@x.com", code), ErrCodeNotFound)
}

func TestSendVerificationCode_hidesCodeOutsideDevMode(t *testing.T) {
	env := newTestEnv(t)
	env.svc.devMode = false

	code, err := env.svc.SendVerificationCode(context.Background(), "new@x.com")
	require.NoError(t, err)
	assert.Empty(t, code)
	assert.NotEmpty(t, env.mailer.lastCode("new@x.com", model.PurposeRegistration))
}

func TestRecovery_username(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "alice@x.com")

	_, err := env.svc.SendRecoveryCode(ctx, "nobody@x.com", model.PurposeRecoveryUsername)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = env.svc.SendRecoveryCode(ctx, "alice@x.com", model.PurposeRegistration)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	code, err := env.svc.SendRecoveryCode(ctx, "alice@x.com", model.PurposeRecoveryUsername)
	require.NoError(t, err)

	username, err := env.svc.VerifyRecoveryCode(ctx, "alice@x.com", code, model.PurposeRecoveryUsername)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)

	_, err = env.svc.VerifyRecoveryCode(ctx, "alice@x.com", code, model.PurposeRecoveryUsername)
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestRecovery_passwordReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "alice@x.com")

	code, err := env.svc.SendRecoveryCode(ctx, "alice@x.com", model.PurposeRecoveryPassword)
	require.NoError(t, err)

	_, err = env.svc.VerifyRecoveryCode(ctx, "alice@x.com", code, model.PurposeRecoveryPassword)
	require.NoError(t, err)

	// A rejected password leaves the code in place.
	err = env.svc.ResetPassword(ctx, "alice@x.com", code, "password")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, env.svc.ResetPassword(ctx, "alice@x.com", code, "N3w!Secure#Pw"))

	_, err = env.svc.Login(ctx, "alice", "N3w!Secure#Pw", false)
	assert.NoError(t, err)

	err = env.svc.ResetPassword(ctx, "alice@x.com", code, "An0ther!Secure#Pw")
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestRecovery_resetWithWrongOrExpiredCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "alice@x.com")

	code, err := env.svc.SendRecoveryCode(ctx, "alice@x.com", model.PurposeRecoveryPassword)
	require.NoError(t, err)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	err = env.svc.ResetPassword(ctx, "alice@x.com", wrong, "N3w!Secure#Pw")
	assert.ErrorIs(t, err, ErrCodeMismatch)

	env.clock.Advance(11 * time.Minute)
	err = env.svc.ResetPassword(ctx, "alice@x.com", code, "N3w!Secure#Pw")
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestUnlockAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "")

	for i := 0; i < 5; i++ {
		_, _ = env.svc.Login(ctx, "alice", "Wrong!Pass1", false)
	}
	_, err := env.svc.Login(ctx, "alice", goodPassword, false)
	require.ErrorIs(t, err, ErrAccountLocked)

	u, err := env.svc.UnlockAccount(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	_, err = env.svc.Login(ctx, "alice", goodPassword, false)
	assert.NoError(t, err)

	_, err = env.svc.UnlockAccount(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestPlanKeyRotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := env.register(t, "alice", "")

	plan, err := env.svc.PlanKeyRotation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.NewVersion)

	// Applying the plan keeps existing sessions working through the grace period.
	keys, err := NewKeyring(plan.NewSecret, testSecret, plan.NewVersion)
	require.NoError(t, err)
	rotated := env.tokens.WithKeys(keys)
	_, err = rotated.Verify(reg.Token)
	assert.NoError(t, err)
}

func TestCheckPasswordStrength(t *testing.T) {
	env := newTestEnv(t)

	res, req := env.svc.CheckPasswordStrength("password", "")
	assert.False(t, res.Valid)
	assert.Equal(t, password.StrengthWeak, res.Strength)
	assert.Contains(t, res.Errors, password.ErrMsgTooCommon)
	assert.Equal(t, password.MinLength, req.MinLength)

	res, _ = env.svc.CheckPasswordStrength(goodPassword, "alice")
	assert.True(t, res.Valid)
}

func TestErrorTypes(t *testing.T) {
	var err error = &CredentialsError{Remaining: 2}
	assert.True(t, errors.Is(err, ErrInvalidCredentials))

	err = &LockedError{Remaining: 1500 * time.Millisecond}
	assert.True(t, errors.Is(err, ErrAccountLocked))
	assert.Equal(t, 2, err.(*LockedError).RetryAfterSeconds())
}
