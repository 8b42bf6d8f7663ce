package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/droplink/server/internal/db"
	"github.com/droplink/server/internal/model"
)

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	// Create inserts the user and its default settings row atomically.
	Create(ctx context.Context, u model.NewUser) (model.User, error)
	GetByID(ctx context.Context, id int64) (model.User, error)
	GetByUsername(ctx context.Context, username string) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
	UpdateUsername(ctx context.Context, id int64, username string) error

	// ReleaseExpiredLock resets attempts and clears locked_until when the lock
	// has elapsed at now. Reports whether a lock was released.
	ReleaseExpiredLock(ctx context.Context, id int64, now time.Time) (bool, error)
	// RecordFailedLogin increments failed_login_attempts in a single conditional
	// update and sets locked_until = lockUntil when the new count reaches threshold.
	// ok is false when the account was already locked at now and nothing changed.
	RecordFailedLogin(ctx context.Context, id int64, threshold int, lockUntil, now time.Time) (attempts int, lockedUntil *time.Time, ok bool, err error)
	// ResetLoginFailures sets failed_login_attempts = 0 and clears locked_until.
	ResetLoginFailures(ctx context.Context, id int64) error
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(database *sql.DB) UserRepo {
	return &userRepo{db: database}
}

const userColumns = `id, username, password_hash, email, failed_login_attempts, locked_until, key_version, created_at`

func scanUser(row interface{ Scan(dest ...any) error }) (model.User, error) {
	var u model.User
	var email sql.NullString
	var lockedUntil sql.NullTime
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.PasswordHash,
		&email,
		&u.FailedLoginAttempts,
		&lockedUntil,
		&u.KeyVersion,
		&u.CreatedAt,
	)
	if err != nil {
		return model.User{}, err
	}
	if email.Valid {
		e := email.String
		u.Email = &e
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		u.LockedUntil = &t
	}
	return u, nil
}

// Create inserts a user and the default user_settings row in one transaction
func (r *userRepo) Create(ctx context.Context, nu model.NewUser) (model.User, error) {
	var created model.User
	err := db.WithTx(ctx, r.db, func(ctx context.Context, tx db.DBTX) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO users (username, password_hash, email, key_version)
			VALUES ($1, $2, $3, $4)
			RETURNING `+userColumns,
			strings.ToLower(nu.Username), nu.PasswordHash, nu.Email, nu.KeyVersion,
		)
		u, err := scanUser(row)
		if err != nil {
			if conflict := classifyUserConflict(err); conflict != nil {
				return conflict
			}
			return fmt.Errorf("insert user: %w", err)
		}

		s := model.DefaultSettings(u.ID)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_settings (user_id, discoverable, notifications_enabled)
			VALUES ($1, $2, $3)
		`, s.UserID, s.Discoverable, s.NotificationsEnabled)
		if err != nil {
			return fmt.Errorf("insert user settings: %w", err)
		}

		created = u
		return nil
	})
	if err != nil {
		return model.User{}, err
	}
	return created, nil
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id int64) (model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByUsername retrieves a user by username, case-insensitively
func (r *userRepo) GetByUsername(ctx context.Context, username string) (model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username)
}

// GetByEmail retrieves a user by email, case-insensitively
func (r *userRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
}

func (r *userRepo) getOne(ctx context.Context, query string, arg any) (model.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

// UpdatePasswordHash replaces the stored password hash
func (r *userRepo) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	return r.execOne(ctx, "update password hash", `UPDATE users SET password_hash = $2 WHERE id = $1`, id, hash)
}

// UpdateUsername renames the user; the username is stored lowercased
func (r *userRepo) UpdateUsername(ctx context.Context, id int64, username string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE users SET username = $2 WHERE id = $1`, id, strings.ToLower(username))
	if err != nil {
		if conflict := classifyUserConflict(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("update username: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseExpiredLock clears an elapsed lock and resets the attempt counter
func (r *userRepo) ReleaseExpiredLock(ctx context.Context, id int64, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL
		WHERE id = $1 AND locked_until IS NOT NULL AND locked_until < $2
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("release expired lock: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// RecordFailedLogin atomically increments the failure counter, locking the
// account when the threshold is reached. The WHERE guard skips accounts that
// are locked at now so concurrent failures never extend or recount a lock.
func (r *userRepo) RecordFailedLogin(ctx context.Context, id int64, threshold int, lockUntil, now time.Time) (int, *time.Time, bool, error) {
	var attempts int
	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_until = CASE
		        WHEN failed_login_attempts + 1 >= $2 THEN $3
		        ELSE locked_until
		    END
		WHERE id = $1 AND (locked_until IS NULL OR locked_until < $4)
		RETURNING failed_login_attempts, locked_until
	`, id, threshold, lockUntil, now).Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, false, nil
		}
		return 0, nil, false, fmt.Errorf("record failed login: %w", err)
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		return attempts, &t, true, nil
	}
	return attempts, nil, true, nil
}

// ResetLoginFailures clears the attempt counter and any lock
func (r *userRepo) ResetLoginFailures(ctx context.Context, id int64) error {
	return r.execOne(ctx, "reset login failures",
		`UPDATE users SET failed_login_attempts = 0, locked_until = NULL WHERE id = $1`, id)
}

func (r *userRepo) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
