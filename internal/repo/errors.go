package repo

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUsernameExists is returned when a username collides case-insensitively.
	ErrUsernameExists = errors.New("username already exists")
	// ErrEmailExists is returned when an email collides case-insensitively.
	ErrEmailExists = errors.New("email already exists")
)

const (
	uniqueViolation = "23505"

	usernameConstraint = "users_username_key"
	emailConstraint    = "users_email_key"
)

// uniqueConstraint returns the violated unique constraint name, or "" when err
// is not a unique violation. Both lib/pq and pgx errors are recognised so the
// rest of the package never branches on the driver.
func uniqueConstraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return pqErr.Constraint
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName
	}
	return ""
}

// classifyUserConflict maps unique violations on users to ErrUsernameExists / ErrEmailExists.
func classifyUserConflict(err error) error {
	switch uniqueConstraint(err) {
	case usernameConstraint:
		return ErrUsernameExists
	case emailConstraint:
		return ErrEmailExists
	}
	return nil
}
