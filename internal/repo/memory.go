package repo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/droplink/server/internal/model"
)

// MemoryStore is an in-process UserRepo and CodeRepo used in dev mode and tests.
// It is not shared across instances and does not survive restarts.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	users    map[int64]model.User
	settings map[int64]model.Settings
	codes    map[codeKey]model.VerificationCode
	now      func() time.Time
}

type codeKey struct {
	email   string
	purpose model.CodePurpose
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]model.User),
		settings: make(map[int64]model.Settings),
		codes:    make(map[codeKey]model.VerificationCode),
		now:      time.Now,
	}
}

// Users returns the store as a UserRepo
func (s *MemoryStore) Users() UserRepo { return (*memoryUsers)(s) }

// Codes returns the store as a CodeRepo
func (s *MemoryStore) Codes() CodeRepo { return (*memoryCodes)(s) }

// Settings returns the settings row for a user, if any.
func (s *MemoryStore) Settings(userID int64) (model.Settings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[userID]
	return st, ok
}

func cloneUser(u model.User) model.User {
	if u.Email != nil {
		e := *u.Email
		u.Email = &e
	}
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		u.LockedUntil = &t
	}
	return u
}

type memoryUsers MemoryStore

func (m *memoryUsers) Create(_ context.Context, nu model.NewUser) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	username := strings.ToLower(nu.Username)
	for _, u := range m.users {
		if u.Username == username {
			return model.User{}, ErrUsernameExists
		}
		if nu.Email != nil && u.Email != nil && strings.EqualFold(*u.Email, *nu.Email) {
			return model.User{}, ErrEmailExists
		}
	}

	m.nextID++
	u := model.User{
		ID:           m.nextID,
		Username:     username,
		PasswordHash: nu.PasswordHash,
		Email:        nu.Email,
		KeyVersion:   nu.KeyVersion,
		CreatedAt:    m.now(),
	}
	u = cloneUser(u)
	m.users[u.ID] = u
	m.settings[u.ID] = model.DefaultSettings(u.ID)
	return cloneUser(u), nil
}

func (m *memoryUsers) GetByID(_ context.Context, id int64) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *memoryUsers) GetByUsername(_ context.Context, username string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Username, username) {
			return cloneUser(u), nil
		}
	}
	return model.User{}, ErrNotFound
}

func (m *memoryUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email != nil && strings.EqualFold(*u.Email, email) {
			return cloneUser(u), nil
		}
	}
	return model.User{}, ErrNotFound
}

func (m *memoryUsers) UpdatePasswordHash(_ context.Context, id int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	m.users[id] = u
	return nil
}

func (m *memoryUsers) UpdateUsername(_ context.Context, id int64, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	username = strings.ToLower(username)
	for otherID, other := range m.users {
		if otherID != id && other.Username == username {
			return ErrUsernameExists
		}
	}
	u.Username = username
	m.users[id] = u
	return nil
}

func (m *memoryUsers) ReleaseExpiredLock(_ context.Context, id int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return false, ErrNotFound
	}
	if u.LockedUntil == nil || !u.LockedUntil.Before(now) {
		return false, nil
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	m.users[id] = u
	return true, nil
}

func (m *memoryUsers) RecordFailedLogin(_ context.Context, id int64, threshold int, lockUntil, now time.Time) (int, *time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, nil, false, nil
	}
	if u.LockedUntil != nil && !u.LockedUntil.Before(now) {
		return 0, nil, false, nil
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= threshold {
		t := lockUntil
		u.LockedUntil = &t
	}
	m.users[id] = u

	var locked *time.Time
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		locked = &t
	}
	return u.FailedLoginAttempts, locked, true, nil
}

func (m *memoryUsers) ResetLoginFailures(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	m.users[id] = u
	return nil
}

type memoryCodes MemoryStore

func (m *memoryCodes) Replace(_ context.Context, c model.VerificationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Email = strings.ToLower(c.Email)
	m.codes[codeKey{email: c.Email, purpose: c.Purpose}] = c
	return nil
}

func (m *memoryCodes) Get(_ context.Context, email string, purpose model.CodePurpose) (model.VerificationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeKey{email: strings.ToLower(email), purpose: purpose}]
	if !ok {
		return model.VerificationCode{}, ErrNotFound
	}
	return c, nil
}

func (m *memoryCodes) Delete(_ context.Context, email string, purpose model.CodePurpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, codeKey{email: strings.ToLower(email), purpose: purpose})
	return nil
}

func (m *memoryCodes) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, c := range m.codes {
		if c.ExpiresAt.Before(now) {
			delete(m.codes, k)
			n++
		}
	}
	return n, nil
}
