package jobs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/livinlefevreloca/cmdguard/internal/args"
	"github.com/livinlefevreloca/cmdguard/internal/config"
	"github.com/livinlefevreloca/cmdguard/internal/db"
	"github.com/livinlefevreloca/cmdguard/internal/eventlog"
	"github.com/livinlefevreloca/cmdguard/internal/guard"
	"github.com/livinlefevreloca/cmdguard/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const migrationsDir = "../../migrations"

type fixture struct {
	profile *config.Profile
	logs    *bytes.Buffer
	logger  *slog.Logger
	check   *db.Client
}

// newFixture migrates a fresh sqlite database and seeds the queue with
// id → status entries
func newFixture(t *testing.T, entries map[int]string) *fixture {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "jobs.db")
	profile, err := config.Parse(fmt.Sprintf("[database]\ndriver = \"sqlite3\"\ndb = %q\nmigrations_dir = %q\n", path, migrationsDir))
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	logger := slog.New(eventlog.NewHandler(logs, slog.LevelDebug))

	cfg, err := profile.Database()
	require.NoError(t, err)

	check := db.NewClient(logger)
	require.NoError(t, check.Connect(ctx, cfg))
	t.Cleanup(func() {
		check.Disconnect()
	})

	for id, status := range entries {
		_, err := check.Insert(ctx, db.NewQuery(
			"INSERT INTO sync_queue (id, payload, status) VALUES (?, ?, ?)",
			id, fmt.Sprintf("entry-%d", id), status,
		))
		require.NoError(t, err)
	}

	return &fixture{profile: profile, logs: logs, logger: logger, check: check}
}

func (f *fixture) env(t *testing.T, argv ...string) *runner.Env {
	t.Helper()

	a, err := args.Parse(argv)
	require.NoError(t, err)
	return &runner.Env{
		Args:    a,
		Profile: f.profile,
		Logger:  f.logger,
		DB:      db.NewClient(f.logger),
	}
}

func (f *fixture) statusCount(t *testing.T, status string) int {
	t.Helper()

	rows, err := f.check.Select(context.Background(), db.NewQuery(
		"SELECT id FROM sync_queue WHERE status = ?", status,
	))
	require.NoError(t, err)
	return len(rows)
}

func TestSync_MarksPendingEntries(t *testing.T) {
	f := newFixture(t, map[int]string{1: StatusPending, 2: StatusPending, 3: StatusPending, 4: StatusDone})
	env := f.env(t, "--limit=2")
	defer env.DB.Disconnect()

	fixed := time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)
	job := &Sync{Now: func() time.Time { return fixed }}
	require.NoError(t, job.Execute(context.Background(), env))

	assert.Equal(t, 1, f.statusCount(t, StatusPending))
	assert.Equal(t, 3, f.statusCount(t, StatusDone))
	assert.False(t, env.DB.InTransaction())
	assert.Contains(t, f.logs.String(), ":INFO:synced count=2")

	rows, err := f.check.Select(context.Background(), db.NewQuery("SELECT id FROM sync_queue WHERE status = ?", StatusPending))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].Value("id"), "lowest ids are synced first")
}

func TestSync_NothingPending(t *testing.T) {
	f := newFixture(t, map[int]string{1: StatusDone})
	env := f.env(t)
	defer env.DB.Disconnect()

	require.NoError(t, (&Sync{}).Execute(context.Background(), env))
	assert.Contains(t, f.logs.String(), "nothing to sync")
}

func TestSync_InvalidLimit(t *testing.T) {
	f := newFixture(t, nil)

	for _, argv := range [][]string{{"--limit=0"}, {"--limit=many"}} {
		env := f.env(t, argv...)
		assert.Error(t, (&Sync{}).Execute(context.Background(), env), argv)
		assert.False(t, env.DB.Connected())
	}
}

func TestReport_WritesTotals(t *testing.T) {
	f := newFixture(t, map[int]string{1: StatusPending, 2: StatusPending, 3: StatusDone})
	env := f.env(t)
	defer env.DB.Disconnect()

	require.NoError(t, (&Report{}).Execute(context.Background(), env))

	rows, err := f.check.Select(context.Background(), db.NewQuery("SELECT pending, done FROM sync_reports"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Value("pending"))
	assert.Equal(t, int64(1), rows[0].Value("done"))
	assert.Contains(t, f.logs.String(), "queue totals pending=2 done=1")
}

func TestReport_DryRun(t *testing.T) {
	f := newFixture(t, map[int]string{1: StatusPending})

	for _, arg := range []string{"--dry-run", "--dry-run=1", "--dry-run=TRUE"} {
		env := f.env(t, arg)
		require.NoError(t, (&Report{}).Execute(context.Background(), env), arg)
		require.NoError(t, env.DB.Disconnect())
	}

	rows, err := f.check.Select(context.Background(), db.NewQuery("SELECT pending FROM sync_reports"))
	require.NoError(t, err)
	assert.Empty(t, rows)

	env := f.env(t, "--dry-run=no")
	assert.Error(t, (&Report{}).Execute(context.Background(), env))
	assert.False(t, env.DB.Connected())

	env = f.env(t, "--dry-run=false")
	require.NoError(t, (&Report{}).Execute(context.Background(), env))
	require.NoError(t, env.DB.Disconnect())

	rows, err = f.check.Select(context.Background(), db.NewQuery("SELECT pending FROM sync_reports"))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestJobs_UnderRunner(t *testing.T) {
	f := newFixture(t, map[int]string{1: StatusPending})
	g := guard.New(t.TempDir())

	for _, job := range []runner.Job{&Sync{}, &Report{}} {
		env := f.env(t)
		code := runner.New(job, env, g).Main(context.Background())

		assert.Equal(t, runner.ExitOK, code, job.Name())
		assert.False(t, env.DB.Connected(), job.Name())
	}

	assert.Equal(t, 1, f.statusCount(t, StatusDone))
	assert.NotContains(t, f.logs.String(), ":ERROR:")
}

func TestToInt64(t *testing.T) {
	tests := []struct {
		in   any
		want int64
	}{
		{int64(3), 3},
		{int32(4), 4},
		{5, 5},
		{float64(6), 6},
		{"7", 7},
		{nil, 0},
	}
	for _, tt := range tests {
		got, err := toInt64(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := toInt64([]int{1})
	assert.Error(t, err)
}
