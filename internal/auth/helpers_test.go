package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/droplink/server/internal/logging"
	"github.com/droplink/server/internal/model"
	"github.com/droplink/server/internal/password"
	"github.com/droplink/server/internal/repo"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingMailer struct {
	mu       sync.Mutex
	codes    map[string]string
	lockouts []string
	err      error
	delay    time.Duration
}

func newRecordingMailer() *recordingMailer {
	return &recordingMailer{codes: make(map[string]string)}
}

func (m *recordingMailer) SendVerificationCode(ctx context.Context, email, code string, purpose model.CodePurpose) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[email+"/"+string(purpose)] = code
	return m.err
}

func (m *recordingMailer) SendLockoutNotice(_ context.Context, email string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockouts = append(m.lockouts, email)
	return m.err
}

func (m *recordingMailer) lastCode(email string, purpose model.CodePurpose) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email+"/"+string(purpose)]
}

func (m *recordingMailer) lockoutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lockouts)
}

type testEnv struct {
	svc    *AuthService
	store  *repo.MemoryStore
	clock  *fakeClock
	mailer *recordingMailer
	tokens *TokenService
}

const (
	testSecret   = "test-secret-current"
	goodPassword = "Str0ng!Pass"
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newFakeClock()
	store := repo.NewMemoryStore()
	mailer := newRecordingMailer()
	log := logging.Discard()

	keys, err := NewKeyring(testSecret, "", 1)
	require.NoError(t, err)
	tokens, err := NewTokenService(keys, TokenConfig{Now: clock.Now})
	require.NoError(t, err)

	lockout := NewLockoutPolicy(store.Users(), mailer, log, LockoutConfig{Now: clock.Now})
	codes := NewCodeFlow(store.Codes(), mailer, log, CodeConfig{Salt: "test-salt", Now: clock.Now})
	svc := NewAuthService(store.Users(), password.NewPolicy(bcrypt.MinCost), tokens, lockout, codes, log, true)

	return &testEnv{svc: svc, store: store, clock: clock, mailer: mailer, tokens: tokens}
}

func (e *testEnv) register(t *testing.T, username, email string) Session {
	t.Helper()
	sess, err := e.svc.Register(context.Background(), RegisterInput{
		Username: username,
		Password: goodPassword,
		Email:    email,
	})
	require.NoError(t, err)
	return sess
}
