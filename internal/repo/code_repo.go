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

// CodeRepo defines the interface for verification code repository operations
type CodeRepo interface {
	// Replace removes any code stored for (email, purpose) and stores c in its place.
	Replace(ctx context.Context, c model.VerificationCode) error
	Get(ctx context.Context, email string, purpose model.CodePurpose) (model.VerificationCode, error)
	Delete(ctx context.Context, email string, purpose model.CodePurpose) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type codeRepo struct {
	db *sql.DB
}

// NewCodeRepo creates a new CodeRepo instance
func NewCodeRepo(database *sql.DB) CodeRepo {
	return &codeRepo{db: database}
}

// Replace ensures at most one code per (email, purpose): it deletes any existing
// row and inserts the new one in a transaction serialized per email/purpose by an
// advisory lock.
func (r *codeRepo) Replace(ctx context.Context, c model.VerificationCode) error {
	email := strings.ToLower(c.Email)
	return db.WithTx(ctx, r.db, func(ctx context.Context, tx db.DBTX) error {
		// Released on COMMIT/ROLLBACK.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, email+":"+string(c.Purpose)); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM verification_codes WHERE email = $1 AND code_type = $2
		`, email, string(c.Purpose)); err != nil {
			return fmt.Errorf("delete existing codes: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO verification_codes (email, code, code_type, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, email, c.CodeHash, string(c.Purpose), c.ExpiresAt, c.CreatedAt); err != nil {
			return fmt.Errorf("insert code: %w", err)
		}
		return nil
	})
}

// Get returns the stored code for (email, purpose), expired or not
func (r *codeRepo) Get(ctx context.Context, email string, purpose model.CodePurpose) (model.VerificationCode, error) {
	var c model.VerificationCode
	var codeType string
	err := r.db.QueryRowContext(ctx, `
		SELECT email, code, code_type, expires_at, created_at
		FROM verification_codes
		WHERE email = $1 AND code_type = $2
	`, strings.ToLower(email), string(purpose)).Scan(
		&c.Email,
		&c.CodeHash,
		&codeType,
		&c.ExpiresAt,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.VerificationCode{}, ErrNotFound
		}
		return model.VerificationCode{}, fmt.Errorf("query code: %w", err)
	}
	c.Purpose, err = model.ParseCodePurpose(codeType)
	if err != nil {
		return model.VerificationCode{}, fmt.Errorf("scan code: %w", err)
	}
	return c, nil
}

// Delete removes the code for (email, purpose). Deleting a missing code is not an error.
func (r *codeRepo) Delete(ctx context.Context, email string, purpose model.CodePurpose) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM verification_codes WHERE email = $1 AND code_type = $2
	`, strings.ToLower(email), string(purpose))
	if err != nil {
		return fmt.Errorf("delete code: %w", err)
	}
	return nil
}

// DeleteExpired removes every code whose expiry is before now
func (r *codeRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
