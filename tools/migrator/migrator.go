package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Conn is the part of *sql.Conn and *sql.DB the migrator needs
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Run applies all pending migrations from dir in version order.
func Run(ctx context.Context, conn Conn, driver, dir string) error {
	if err := createSchemaTable(ctx, conn); err != nil {
		return fmt.Errorf("failed to create schema table: %w", err)
	}

	migrations, err := LoadMigrations(dir)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := AppliedVersions(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	appliedSet := make(map[int]bool, len(applied))
	for _, v := range applied {
		appliedSet[v] = true
	}

	for _, m := range migrations {
		if appliedSet[m.Version] {
			continue
		}
		if err := applyMigration(ctx, conn, driver, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// CurrentVersion returns the highest applied migration version.
// Returns 0 if no migrations have been applied.
func CurrentVersion(ctx context.Context, conn Conn) (int, error) {
	var version int
	err := conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// AppliedVersions returns all applied migration versions, sorted.
func AppliedVersions(ctx context.Context, conn Conn) ([]int, error) {
	rows, err := conn.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		if isMissingTable(err) {
			return []int{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	versions := []int{}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func isMissingTable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "does not exist")
}

// createSchemaTable creates the schema_migrations table if it doesn't exist.
func createSchemaTable(ctx context.Context, conn Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// applyMigration executes a single migration and records it in schema_migrations.
func applyMigration(ctx context.Context, conn Conn, driver string, m Migration) error {
	record := "INSERT INTO schema_migrations (version) VALUES (" + placeholder(driver, 1) + ")"

	if m.NoTransaction {
		if _, err := conn.ExecContext(ctx, m.UpSQL); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
		if _, err := conn.ExecContext(ctx, record, m.Version); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, record, m.Version); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// placeholder returns the appropriate SQL placeholder for the given driver.
func placeholder(driver string, n int) string {
	switch driver {
	case "postgres", "postgresql":
		return fmt.Sprintf("$%d", n)
	default:
		return "?"
	}
}
