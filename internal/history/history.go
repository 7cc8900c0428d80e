// Package history records one row per command run in the command's own
// database, using a connection separate from the one the command uses.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/cmdguard/internal/db"
)

// Run statuses
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var tableNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Run represents a single execution of a command
type Run struct {
	RunID      string
	Command    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Error      *string
}

// Store writes run records through its own client
type Store struct {
	client *db.Client
	table  string
	now    func() time.Time
}

// Open connects a dedicated client and creates the table if needed
func Open(ctx context.Context, cfg db.Config, table string, logger *slog.Logger) (*Store, error) {
	if !tableNameRegex.MatchString(table) {
		return nil, fmt.Errorf("invalid history table name: %q", table)
	}

	// migrations belong to the command's own connection
	cfg.MigrationsDir = ""

	client := db.NewClient(logger)
	if err := client.Connect(ctx, cfg); err != nil {
		return nil, fmt.Errorf("connect history store: %w", err)
	}

	s := &Store{client: client, table: table, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		client.Disconnect()
		return nil, fmt.Errorf("migrate history store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.client.Update(ctx, db.NewQuery(`
		CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			run_id      VARCHAR(36) PRIMARY KEY,
			command     VARCHAR(255) NOT NULL,
			started_at  TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NULL,
			status      VARCHAR(16) NOT NULL,
			error       TEXT NULL
		)
	`))
	return err
}

// Start records a running command and returns its run ID
func (s *Store) Start(ctx context.Context, command string) (string, error) {
	runID := uuid.New().String()

	_, err := s.client.Insert(ctx, db.NewQuery(
		"INSERT INTO "+s.table+" (run_id, command, started_at, status) VALUES (?, ?, ?, ?)",
		runID, command, s.now().UTC(), StatusRunning,
	))
	if err != nil {
		return "", err
	}
	return runID, nil
}

// Finish marks a run as succeeded, or failed when runErr is not nil
func (s *Store) Finish(ctx context.Context, runID string, runErr error) error {
	status := StatusSucceeded
	var errMsg *string
	if runErr != nil {
		status = StatusFailed
		msg := runErr.Error()
		errMsg = &msg
	}

	n, err := s.client.Update(ctx, db.NewQuery(
		"UPDATE "+s.table+" SET finished_at = ?, status = ?, error = ? WHERE run_id = ?",
		s.now().UTC(), status, errMsg, runID,
	))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("history: run %s not found", runID)
	}
	return nil
}

// Recent returns the latest runs of a command, newest first
func (s *Store) Recent(ctx context.Context, command string, limit int) ([]Run, error) {
	rows, err := s.client.Select(ctx, db.NewQuery(
		"SELECT run_id, command, started_at, finished_at, status, error FROM "+s.table+
			" WHERE command = ? ORDER BY started_at DESC LIMIT ?",
		command, limit,
	))
	if err != nil {
		return nil, err
	}

	runs := make([]Run, 0, len(rows))
	for _, row := range rows {
		run := Run{
			RunID:   fmt.Sprint(row.Value("run_id")),
			Command: fmt.Sprint(row.Value("command")),
			Status:  fmt.Sprint(row.Value("status")),
		}
		if t, ok := row.Value("started_at").(time.Time); ok {
			run.StartedAt = t
		}
		if t, ok := row.Value("finished_at").(time.Time); ok {
			run.FinishedAt = &t
		}
		if msg, ok := row.Value("error").(string); ok {
			run.Error = &msg
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Close disconnects the store's client
func (s *Store) Close() error {
	return s.client.Disconnect()
}
