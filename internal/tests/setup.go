// Package tests holds end-to-end tests that run the full HTTP stack against
// a real Postgres named by DATABASE_URL.
package tests

import (
	"context"
	"database/sql"
	"fmt"
)

// AuthTables are emptied between test sections.
var AuthTables = []string{"verification_codes", "user_settings", "users"}

// TruncateAuthTables truncates auth-related tables for a clean test state.
func TruncateAuthTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE TABLE verification_codes, user_settings, users RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("truncate auth tables: %w", err)
	}
	return nil
}

// CountRows returns the number of rows in table. table must be one of AuthTables.
func CountRows(ctx context.Context, db *sql.DB, table string) (int, error) {
	known := false
	for _, t := range AuthTables {
		if t == table {
			known = true
			break
		}
	}
	if !known {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
