// Package jobs holds the batch jobs shipped with the cmdguard binary.
//
// Both jobs work on the sync_queue table created by migrations/001_sync_queue.sql.
// Sync moves pending entries to done in one transaction. Report writes a
// per-status summary row to sync_reports.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/livinlefevreloca/cmdguard/internal/db"
	"github.com/livinlefevreloca/cmdguard/internal/runner"
)

// Queue statuses
const (
	StatusPending = "pending"
	StatusDone    = "done"
)

// DefaultSyncLimit is the batch size used without --limit
const DefaultSyncLimit = 100

// Sync marks up to --limit pending queue entries as done
type Sync struct {
	// Now defaults to time.Now
	Now func() time.Time
}

func (j *Sync) Name() string {
	return "Sync"
}

func (j *Sync) Execute(ctx context.Context, env *runner.Env) error {
	limit, err := env.Args.IntOption("limit", DefaultSyncLimit)
	if err != nil {
		return err
	}
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", limit)
	}

	if err := env.Connect(ctx); err != nil {
		return err
	}

	rows, err := env.DB.Select(ctx, db.NewQuery(
		"SELECT id FROM sync_queue WHERE status = ? ORDER BY id LIMIT ?",
		StatusPending, limit,
	))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		env.Logger.Info("nothing to sync")
		return nil
	}

	now := j.now().UTC()
	for _, row := range rows {
		_, err := env.DB.Update(ctx, db.NewQuery(
			"UPDATE sync_queue SET status = ?, synced_at = ? WHERE id = ?",
			StatusDone, now, row.Value("id"),
		), db.WithoutAutocommit())
		if err != nil {
			if rbErr := env.DB.Rollback(); rbErr != nil {
				env.Logger.Error("rollback failed", "error", rbErr)
			}
			return fmt.Errorf("sync entry %v: %w", row.Value("id"), err)
		}
	}

	if err := env.DB.Commit(); err != nil {
		return err
	}

	env.Logger.Info("synced", "count", len(rows))
	return nil
}

func (j *Sync) now() time.Time {
	if j.Now == nil {
		return time.Now()
	}
	return j.Now()
}
