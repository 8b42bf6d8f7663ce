package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/droplink/server/internal/auth"
	"github.com/droplink/server/internal/http/handlers"
	"github.com/droplink/server/internal/logging"
	"github.com/droplink/server/internal/middleware"
	"github.com/droplink/server/internal/password"
	"github.com/droplink/server/internal/repo"
)

const adminSecret = "admin-s3cret"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testServer struct {
	handler http.Handler
	clock   *testClock
}

func newTestServer(t *testing.T, codeLimit int) *testServer {
	t.Helper()
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	log := logging.Discard()
	store := repo.NewMemoryStore()
	mailer := auth.NewLogMailer(log)

	keys, err := auth.NewKeyring("router-test-secret", "", 1)
	require.NoError(t, err)
	tokens, err := auth.NewTokenService(keys, auth.TokenConfig{Now: clock.Now})
	require.NoError(t, err)

	svc := auth.NewAuthService(
		store.Users(),
		password.NewPolicy(bcrypt.MinCost),
		tokens,
		auth.NewLockoutPolicy(store.Users(), mailer, log, auth.LockoutConfig{Now: clock.Now}),
		auth.NewCodeFlow(store.Codes(), mailer, log, auth.CodeConfig{Salt: "salt", Now: clock.Now}),
		log,
		true,
	)

	limiter := middleware.NewRateLimiter(10*time.Minute, codeLimit)
	t.Cleanup(limiter.Stop)

	r := NewRouter(
		handlers.NewAuthHandler(svc, log),
		handlers.NewAdminHandler(svc, log),
		handlers.NewHealthHandler(nil),
		svc,
		Options{
			AdminSecret: adminSecret,
			CodeLimiter: limiter,
			Log:         log,
		},
	)
	return &testServer{handler: r, clock: clock}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (s *testServer) register(t *testing.T, username, pw, email string) map[string]any {
	t.Helper()
	rec, body := s.do(t, http.MethodPost, "/auth/register", map[string]any{
		"username": username, "password": pw, "email": email,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return body
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 5)
	rec, body := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
}

func TestRegisterAndLoginScenario(t *testing.T) {
	s := newTestServer(t, 5)

	reg := s.register(t, "alice", "Str0ng!Pass", "alice@x.com")
	assert.NotEmpty(t, reg["token"])
	assert.Equal(t, "alice", reg["username"])

	rec, login := s.do(t, http.MethodPost, "/auth/login", map[string]any{
		"username": "Alice", "password": "Str0ng!Pass",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reg["user_id"], login["user_id"])

	for i := 1; i <= 4; i++ {
		rec, body := s.do(t, http.MethodPost, "/auth/login", map[string]any{
			"username": "alice", "password": "Wrong!Pass1",
		}, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, float64(5-i), body["remaining_attempts"])
	}
	rec, body := s.do(t, http.MethodPost, "/auth/login", map[string]any{
		"username": "alice", "password": "Wrong!Pass1",
	}, nil)
	require.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
	assert.Equal(t, float64(900), body["retry_after_seconds"])

	rec, _ = s.do(t, http.MethodPost, "/auth/login", map[string]any{
		"username": "alice", "password": "Str0ng!Pass",
	}, nil)
	assert.Equal(t, http.StatusLocked, rec.Code)

	s.clock.Advance(15*time.Minute + time.Second)
	rec, _ = s.do(t, http.MethodPost, "/auth/login", map[string]any{
		"username": "alice", "password": "Str0ng!Pass",
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterErrors(t *testing.T) {
	s := newTestServer(t, 5)
	s.register(t, "alice", "Str0ng!Pass", "alice@x.com")

	rec, _ := s.do(t, http.MethodPost, "/auth/register", map[string]any{
		"username": "ALICE", "password": "Str0ng!Pass",
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/register", map[string]any{
		"username": "bob", "password": "Str0ng!Pass", "email": "Alice@X.com",
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body := s.do(t, http.MethodPost, "/auth/register", map[string]any{
		"username": "bob", "password": "short",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, body["errors"])

	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUnknownUserAndWrongPasswordLookAlike(t *testing.T) {
	s := newTestServer(t, 5)
	s.register(t, "alice", "Str0ng!Pass", "")

	rec1, body1 := s.do(t, http.MethodPost, "/auth/login", map[string]any{
		"username": "nobody", "password": "Str0ng!Pass",
	}, nil)
	rec2, body2 := s.do(t, http.MethodPost, "/auth/login", map[string]any{
		"username": "alice", "password": "Wrong!Pass1",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec1.Code)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
	assert.Equal(t, body1["error"], body2["error"])
}

func TestProtectedEndpoints(t *testing.T) {
	s := newTestServer(t, 5)
	reg := s.register(t, "alice", "Str0ng!Pass", "alice@x.com")
	token := reg["token"].(string)

	rec, _ := s.do(t, http.MethodGet, "/auth/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/auth/me", nil, map[string]string{"Authorization": token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, me := s.do(t, http.MethodGet, "/auth/me", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", me["username"])
	assert.Equal(t, "alice@x.com", me["email"])

	rec, _ = s.do(t, http.MethodPost, "/auth/change-password", map[string]any{
		"current_password": "Wrong!Pass1", "new_password": "N3w!Secure#Pw",
	}, bearer(token))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/change-password", map[string]any{
		"current_password": "Str0ng!Pass", "new_password": "N3w!Secure#Pw",
	}, bearer(token))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, renamed := s.do(t, http.MethodPost, "/auth/change-username", map[string]any{
		"new_username": "alicia", "password": "N3w!Secure#Pw",
	}, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alicia", renamed["username"])

	s.clock.Advance(31 * time.Minute)
	rec, body := s.do(t, http.MethodGet, "/auth/me", nil, bearer(token))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid or expired token", body["error"])
}

func TestRefreshEndpoint(t *testing.T) {
	s := newTestServer(t, 5)
	reg := s.register(t, "alice", "Str0ng!Pass", "")
	token := reg["token"].(string)

	s.clock.Advance(20 * time.Minute)
	rec, refreshed := s.do(t, http.MethodPost, "/auth/refresh", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reg["user_id"], refreshed["user_id"])

	s.clock.Advance(20 * time.Minute)
	rec, _ = s.do(t, http.MethodPost, "/auth/refresh", nil, bearer(token))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/refresh", nil, bearer(refreshed["token"].(string)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/refresh", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerificationCodeEndpoints(t *testing.T) {
	s := newTestServer(t, 5)

	rec, sent := s.do(t, http.MethodPost, "/auth/send-verification-code", map[string]any{"email": "new@x.com"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	code, _ := sent["dev_code"].(string)
	require.Len(t, code, 6)

	// verify-code only handles registration codes; a stray type is ignored.
	rec, _ = s.do(t, http.MethodPost, "/auth/verify-code", map[string]any{"email": "new@x.com", "code": code, "type": "password"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := s.do(t, http.MethodPost, "/auth/verify-code", map[string]any{"email": "new@x.com", "code": code}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, auth.ErrCodeNotFound.Error(), body["error"])
}

func TestRecoveryEndpoints(t *testing.T) {
	s := newTestServer(t, 5)
	s.register(t, "alice", "Str0ng!Pass", "alice@x.com")

	rec, _ := s.do(t, http.MethodPost, "/auth/send-recovery-code", map[string]any{"email": "nobody@x.com", "type": "password"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/send-recovery-code", map[string]any{"email": "alice@x.com", "type": "bogus"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, sent := s.do(t, http.MethodPost, "/auth/send-recovery-code", map[string]any{"email": "alice@x.com", "type": "username"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, verified := s.do(t, http.MethodPost, "/auth/verify-recovery-code", map[string]any{
		"email": "alice@x.com", "code": sent["dev_code"], "type": "username",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", verified["username"])

	rec, sent = s.do(t, http.MethodPost, "/auth/send-recovery-code", map[string]any{"email": "alice@x.com", "type": "password"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	code := sent["dev_code"]

	rec, _ = s.do(t, http.MethodPost, "/auth/verify-recovery-code", map[string]any{
		"email": "alice@x.com", "code": code, "type": "password",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/reset-password", map[string]any{
		"email": "alice@x.com", "code": code, "new_password": "N3w!Secure#Pw",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/login", map[string]any{
		"username": "alice", "password": "N3w!Secure#Pw",
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSendCodeThrottledPerEmail(t *testing.T) {
	s := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		rec, _ := s.do(t, http.MethodPost, "/auth/send-verification-code", map[string]any{"email": "a@x.com"}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, _ := s.do(t, http.MethodPost, "/auth/send-verification-code", map[string]any{"email": "A@x.com"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/send-verification-code", map[string]any{"email": "b@x.com"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckPasswordStrength(t *testing.T) {
	s := newTestServer(t, 5)

	rec, body := s.do(t, http.MethodPost, "/auth/check-password-strength", map[string]any{"password": "password"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "weak", body["strength"])
	assert.Contains(t, body["errors"], password.ErrMsgTooCommon)
	reqs, ok := body["requirements"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(8), reqs["min_length"])
}

func TestAdminEndpoints(t *testing.T) {
	s := newTestServer(t, 5)
	reg := s.register(t, "alice", "Str0ng!Pass", "")
	token := reg["token"].(string)

	for i := 0; i < 5; i++ {
		s.do(t, http.MethodPost, "/auth/login", map[string]any{"username": "alice", "password": "Wrong!Pass1"}, nil)
	}

	rec, _ := s.do(t, http.MethodPost, "/auth/unlock-account", map[string]any{"username": "alice"}, bearer(token))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/unlock-account", map[string]any{"username": "alice"},
		map[string]string{middleware.AdminSecretHeader: adminSecret})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "bearer is still required")

	headers := bearer(token)
	headers[middleware.AdminSecretHeader] = adminSecret
	rec, body := s.do(t, http.MethodPost, "/auth/unlock-account", map[string]any{"username": "alice"}, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "alice", body["username"])

	rec, _ = s.do(t, http.MethodPost, "/auth/login", map[string]any{"username": "alice", "password": "Str0ng!Pass"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/rotate-keys", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, plan := s.do(t, http.MethodPost, "/auth/rotate-keys", nil, map[string]string{middleware.AdminSecretHeader: adminSecret})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), plan["new_key_version"])
	assert.NotEmpty(t, plan["new_secret"])
	assert.NotEmpty(t, plan["instructions"])
}
