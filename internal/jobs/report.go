package jobs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/livinlefevreloca/cmdguard/internal/db"
	"github.com/livinlefevreloca/cmdguard/internal/runner"
)

// Report counts queue entries per status and stores the totals in
// sync_reports. With --dry-run the totals are only logged.
type Report struct {
	Now func() time.Time
}

func (j *Report) Name() string {
	return "Report"
}

func (j *Report) Execute(ctx context.Context, env *runner.Env) error {
	dryRun, err := env.Args.BoolOption("dry-run", false)
	if err != nil {
		return err
	}

	if err := env.Connect(ctx); err != nil {
		return err
	}

	rows, err := env.DB.Select(ctx, db.NewQuery(
		"SELECT status, COUNT(*) AS total FROM sync_queue GROUP BY status",
	))
	if err != nil {
		return err
	}

	totals := map[string]int64{}
	for _, row := range rows {
		status := fmt.Sprint(row.Value("status"))
		total, err := toInt64(row.Value("total"))
		if err != nil {
			return fmt.Errorf("count for status %s: %w", status, err)
		}
		totals[status] = total
	}

	env.Logger.Info("queue totals", "pending", totals[StatusPending], "done", totals[StatusDone])

	if dryRun {
		return nil
	}

	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	_, err = env.DB.Insert(ctx, db.NewQuery(
		"INSERT INTO sync_reports (created_at, pending, done) VALUES (?, ?, ?)",
		now().UTC(), totals[StatusPending], totals[StatusDone],
	))
	return err
}

// toInt64 normalizes the integer representations drivers return for
// aggregates
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected count type %T", v)
	}
}
