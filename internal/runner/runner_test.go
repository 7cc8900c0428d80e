package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/livinlefevreloca/cmdguard/internal/db"
	"github.com/livinlefevreloca/cmdguard/internal/eventlog"
	"github.com/livinlefevreloca/cmdguard/internal/guard"
	"github.com/livinlefevreloca/cmdguard/internal/history"
	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// funcJob adapts a function to the Job interface
type funcJob struct {
	name  string
	calls int
	fn    func(ctx context.Context, env *Env) error
}

func (j *funcJob) Name() string {
	return j.name
}

func (j *funcJob) Execute(ctx context.Context, env *Env) error {
	j.calls++
	if j.fn == nil {
		return nil
	}
	return j.fn(ctx, env)
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeRecorder captures history calls
type fakeRecorder struct {
	started  []string
	finished map[string]error
	startErr error
}

func (r *fakeRecorder) Start(_ context.Context, command string) (string, error) {
	if r.startErr != nil {
		return "", r.startErr
	}
	r.started = append(r.started, command)
	return fmt.Sprintf("run-%d", len(r.started)), nil
}

func (r *fakeRecorder) Finish(_ context.Context, runID string, runErr error) error {
	if r.finished == nil {
		r.finished = map[string]error{}
	}
	r.finished[runID] = runErr
	return nil
}

type testHarness struct {
	fs    vfs.FileSystem
	guard *guard.Guard
	logs  *syncBuffer
	env   *Env
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	fs, err := osfs.NewTempFileSystem()
	require.NoError(t, err)
	t.Cleanup(func() {
		vfs.Cleanup(fs)
	})

	logs := &syncBuffer{}
	logger := slog.New(eventlog.NewHandler(logs, slog.LevelDebug))

	return &testHarness{
		fs:    fs,
		guard: guard.New("/locks", fs),
		logs:  logs,
		env:   &Env{Logger: logger, DB: db.NewClient(logger)},
	}
}

func (h *testHarness) markerExists(t *testing.T, name string) bool {
	t.Helper()

	held, err := h.guard.Held(name + guard.MarkerSuffix)
	require.NoError(t, err)
	return held
}

// indexOf returns the offset of substr in the captured log, failing the
// test when it is absent
func (h *testHarness) indexOf(t *testing.T, substr string) int {
	t.Helper()

	out := h.logs.String()
	i := strings.Index(out, substr)
	require.GreaterOrEqual(t, i, 0, "log does not contain %q:\n%s", substr, out)
	return i
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRun_Success(t *testing.T) {
	h := newHarness(t)
	job := &funcJob{name: "Sync"}

	code := New(job, h.env, h.guard).Main(context.Background())

	assert.Equal(t, ExitOK, code)
	assert.Equal(t, 1, job.calls)
	assert.False(t, h.markerExists(t, "Sync"))

	start := h.indexOf(t, ":INFO:[START]Sync")
	end := h.indexOf(t, ":INFO:[END]Sync elapsed=")
	assert.Less(t, start, end)
	assert.NotContains(t, h.logs.String(), ":ERROR:")
}

func TestRun_MarkerHeldDuringExecute(t *testing.T) {
	h := newHarness(t)

	var held bool
	job := &funcJob{name: "Sync", fn: func(ctx context.Context, env *Env) error {
		held = h.markerExists(t, "Sync")
		return nil
	}}

	require.NoError(t, New(job, h.env, h.guard).Run(context.Background()))
	assert.True(t, held)
}

func TestRun_AlreadyRunning(t *testing.T) {
	h := newHarness(t)

	res, err := h.guard.Acquire("Sync" + guard.MarkerSuffix)
	require.NoError(t, err)
	require.Equal(t, guard.Acquired, res)

	job := &funcJob{name: "Sync"}
	r := New(job, h.env, h.guard)

	err = r.Run(context.Background())
	assert.ErrorIs(t, err, guard.ErrAlreadyRunning)
	assert.Equal(t, ExitAlreadyRunning, r.Main(context.Background()))

	assert.Equal(t, 0, job.calls)
	assert.True(t, h.markerExists(t, "Sync"), "marker of the other instance must stay")

	out := h.logs.String()
	assert.Contains(t, out, ":WARNING:process is running")
	assert.NotContains(t, out, "[START]")
	assert.NotContains(t, out, "[END]")
}

func TestRun_OtherJobsAreIndependent(t *testing.T) {
	h := newHarness(t)

	_, err := h.guard.Acquire("Sync" + guard.MarkerSuffix)
	require.NoError(t, err)

	job := &funcJob{name: "Report"}
	assert.Equal(t, ExitOK, New(job, h.env, h.guard).Main(context.Background()))
	assert.Equal(t, 1, job.calls)
}

func TestRun_ExecuteError(t *testing.T) {
	h := newHarness(t)
	rec := &fakeRecorder{}

	cause := errors.New("connection reset")
	job := &funcJob{name: "Report", fn: func(ctx context.Context, env *Env) error {
		return fmt.Errorf("load totals: %w", cause)
	}}

	code := New(job, h.env, h.guard, WithRecorder(rec)).Main(context.Background())

	assert.Equal(t, ExitOK, code, "job failures do not change the exit code")
	assert.False(t, h.markerExists(t, "Report"))

	start := h.indexOf(t, "[START]Report")
	trace := h.indexOf(t, ":ERROR:job Report failed: load totals: connection reset\ncaused by: connection reset")
	end := h.indexOf(t, "[END]Report")
	assert.Less(t, start, trace)
	assert.Less(t, trace, end)

	require.Contains(t, rec.finished, "run-1")
	var execErr *ExecutionError
	require.ErrorAs(t, rec.finished["run-1"], &execErr)
	assert.ErrorIs(t, execErr, cause)
	assert.False(t, execErr.Panicked)
}

func TestRun_ExecutePanics(t *testing.T) {
	h := newHarness(t)
	rec := &fakeRecorder{}

	job := &funcJob{name: "Report", fn: func(ctx context.Context, env *Env) error {
		var m map[string]int
		m["boom"]++
		return nil
	}}

	r := New(job, h.env, h.guard, WithRecorder(rec))
	require.NotPanics(t, func() {
		assert.NoError(t, r.Run(context.Background()))
	})

	assert.False(t, h.markerExists(t, "Report"))

	start := h.indexOf(t, "[START]Report")
	trace := h.indexOf(t, ":ERROR:job Report panicked: assignment to entry in nil map")
	stack := h.indexOf(t, "goroutine ")
	end := h.indexOf(t, "[END]Report")
	assert.Less(t, start, trace)
	assert.Less(t, trace, stack)
	assert.Less(t, stack, end)

	var execErr *ExecutionError
	require.ErrorAs(t, rec.finished["run-1"], &execErr)
	assert.True(t, execErr.Panicked)
	assert.NotEmpty(t, execErr.Stack)
}

func TestRun_PanicWithValue(t *testing.T) {
	h := newHarness(t)
	job := &funcJob{name: "Sync", fn: func(ctx context.Context, env *Env) error {
		panic("half way")
	}}

	assert.Equal(t, ExitOK, New(job, h.env, h.guard).Main(context.Background()))
	h.indexOf(t, ":ERROR:job Sync panicked: half way")
	assert.False(t, h.markerExists(t, "Sync"))
}

func TestRun_RunsAgainAfterFailure(t *testing.T) {
	h := newHarness(t)
	job := &funcJob{name: "Sync", fn: func(ctx context.Context, env *Env) error {
		return errors.New("boom")
	}}

	r := New(job, h.env, h.guard)
	assert.Equal(t, ExitOK, r.Main(context.Background()))
	assert.Equal(t, ExitOK, r.Main(context.Background()))
	assert.Equal(t, 2, job.calls)
}

func TestRun_JobRemovedMarker(t *testing.T) {
	h := newHarness(t)
	job := &funcJob{name: "Sync", fn: func(ctx context.Context, env *Env) error {
		return h.guard.Release("Sync" + guard.MarkerSuffix)
	}}

	assert.Equal(t, ExitOK, New(job, h.env, h.guard).Main(context.Background()))
	assert.NotContains(t, h.logs.String(), "failed to release lock")
}

func TestRun_DisconnectsDatabase(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "app.db")

	job := &funcJob{name: "Sync", fn: func(ctx context.Context, env *Env) error {
		if err := env.DB.Connect(ctx, db.Config{Driver: db.DriverSQLite3, Database: path}); err != nil {
			return err
		}
		_, err := env.DB.Update(ctx, db.NewQuery("CREATE TABLE items (id INTEGER PRIMARY KEY)"))
		return err
	}}

	assert.Equal(t, ExitOK, New(job, h.env, h.guard).Main(context.Background()))
	assert.False(t, h.env.DB.Connected())
	assert.NotContains(t, h.logs.String(), ":ERROR:")
}

func TestRun_RecorderStartFailureIsLogged(t *testing.T) {
	h := newHarness(t)
	rec := &fakeRecorder{startErr: errors.New("history unavailable")}
	job := &funcJob{name: "Sync"}

	assert.Equal(t, ExitOK, New(job, h.env, h.guard, WithRecorder(rec)).Main(context.Background()))
	assert.Equal(t, 1, job.calls)
	assert.Contains(t, h.logs.String(), "failed to record run start")
	assert.Empty(t, rec.finished)
}

func TestRun_WithLogger(t *testing.T) {
	h := newHarness(t)

	var lifecycle bytes.Buffer
	logger := slog.New(eventlog.NewHandler(&lifecycle, slog.LevelInfo))

	job := &funcJob{name: "Sync"}
	require.NoError(t, New(job, h.env, h.guard, WithLogger(logger)).Run(context.Background()))

	assert.Contains(t, lifecycle.String(), "[START]Sync")
	assert.Empty(t, h.logs.String())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitAlreadyRunning, ExitCode(guard.ErrAlreadyRunning))
	assert.Equal(t, ExitAlreadyRunning, ExitCode(fmt.Errorf("sync: %w", guard.ErrAlreadyRunning)))
	assert.Equal(t, ExitFailure, ExitCode(os.ErrPermission))
}

func TestExecutionError_Trace(t *testing.T) {
	root := errors.New("root")
	e := &ExecutionError{Job: "Sync", Err: fmt.Errorf("outer: %w", root)}

	assert.Equal(t, "job Sync failed: outer: root", e.Error())
	assert.Equal(t, "job Sync failed: outer: root\ncaused by: root", e.Trace())
	assert.ErrorIs(t, e, root)

	p := &ExecutionError{Job: "Sync", Err: root, Panicked: true, Stack: []byte("goroutine 1 [running]:\n")}
	assert.Equal(t, "job Sync panicked: root\ngoroutine 1 [running]:", p.Trace())
}

// =============================================================================
// Bootstrap Tests
// =============================================================================

func writeProfile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func noEnviron() []string {
	return nil
}

func TestBootstrap_RunsJobWithProfile(t *testing.T) {
	root := t.TempDir()
	confDir := filepath.Join(root, "config")
	require.NoError(t, os.MkdirAll(confDir, 0o755))

	dbPath := filepath.Join(root, "app.db")
	writeProfile(t, confDir, "cmdguard.toml", fmt.Sprintf(`
[database]
driver = "sqlite3"
db = %q

[log]
dir = %q

[lock]
dir = %q

[history]
enabled = true
`, dbPath, filepath.Join(root, "logs"), filepath.Join(root, "locks")))

	var gotLimit int
	job := &funcJob{name: "Sync", fn: func(ctx context.Context, env *Env) error {
		var err error
		if gotLimit, err = env.Args.IntOption("limit", 10); err != nil {
			return err
		}
		if err := env.Connect(ctx); err != nil {
			return err
		}
		if _, err := env.DB.Update(ctx, db.NewQuery("CREATE TABLE items (id INTEGER PRIMARY KEY)")); err != nil {
			return err
		}
		env.Logger.Info("synced", "count", gotLimit)
		return nil
	}}

	r, closer, err := Bootstrap(job, []string{"--limit=5"}, BootstrapOptions{
		ConfigDir: confDir,
		Environ:   noEnviron,
	})
	require.NoError(t, err)

	assert.Equal(t, ExitOK, r.Main(context.Background()))
	require.NoError(t, closer.Close())

	assert.Equal(t, 5, gotLimit)
	assert.False(t, r.Env().DB.Connected())
	assert.NoFileExists(t, filepath.Join(root, "locks", "Sync.lock"))

	logData, err := os.ReadFile(filepath.Join(root, "logs", "Sync.log"))
	require.NoError(t, err)
	out := string(logData)
	assert.Contains(t, out, "[START]Sync")
	assert.Contains(t, out, ":INFO:synced count=5")
	assert.Contains(t, out, "[END]Sync")

	store, err := history.Open(context.Background(), db.Config{Driver: db.DriverSQLite3, Database: dbPath}, "command_runs", r.Env().Logger)
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.Recent(context.Background(), "Sync", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, history.StatusSucceeded, runs[0].Status)
}

func TestBootstrap_SelectsEnvProfile(t *testing.T) {
	root := t.TempDir()
	writeProfile(t, root, "cmdguard.toml", fmt.Sprintf("[log]\ndir = %q\n", filepath.Join(root, "default-logs")))
	writeProfile(t, root, "cmdguard.staging.toml", fmt.Sprintf(`
[log]
dir = %q

[lock]
dir = %q
`, filepath.Join(root, "staging-logs"), filepath.Join(root, "locks")))

	r, closer, err := Bootstrap(&funcJob{name: "Report"}, []string{"--env=staging"}, BootstrapOptions{
		ConfigDir: root,
		Environ:   noEnviron,
	})
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, "staging", r.Env().Profile.Name)
	assert.Equal(t, ExitOK, r.Main(context.Background()))
	assert.FileExists(t, filepath.Join(root, "staging-logs", "Report.log"))
	assert.NoDirExists(t, filepath.Join(root, "default-logs"))
}

func TestBootstrap_EnvironmentOverride(t *testing.T) {
	root := t.TempDir()
	writeProfile(t, root, "cmdguard.toml", "[log]\ndir = \"unused\"\n")

	var mirror bytes.Buffer
	logDir := filepath.Join(root, "override-logs")
	r, closer, err := Bootstrap(&funcJob{name: "Sync"}, nil, BootstrapOptions{
		ConfigDir: root,
		Environ: func() []string {
			return []string{
				"CMDGUARD_LOG_DIR=" + logDir,
				"CMDGUARD_LOG_STDERR=true",
				"CMDGUARD_LOCK_DIR=" + filepath.Join(root, "locks"),
			}
		},
		Stderr: &mirror,
	})
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, ExitOK, r.Main(context.Background()))
	assert.FileExists(t, filepath.Join(logDir, "Sync.log"))
	assert.Contains(t, mirror.String(), "[START]Sync")
}

func TestBootstrap_Errors(t *testing.T) {
	root := t.TempDir()
	writeProfile(t, root, "cmdguard.toml", "[log]\nlevel = \"loud\"\n")
	writeProfile(t, root, "cmdguard.badhistory.toml", fmt.Sprintf(`
[log]
dir = %q

[history]
enabled = "maybe"
`, filepath.Join(root, "logs")))

	tests := []struct {
		name        string
		argv        []string
		errContains string
	}{
		{name: "bad argument", argv: []string{"--=x"}, errContains: "parse arguments: "},
		{name: "invalid env", argv: []string{"--env=../prod"}, errContains: "parse arguments: "},
		{name: "missing profile", argv: []string{"--env=nowhere"}, errContains: "load profile: "},
		{name: "invalid log level", argv: nil, errContains: "log settings: "},
		{name: "invalid history flag", argv: []string{"--env=badhistory"}, errContains: "history settings: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Bootstrap(&funcJob{name: "Sync"}, tt.argv, BootstrapOptions{
				ConfigDir: root,
				Environ:   noEnviron,
			})
			require.Error(t, err)
			assert.True(t, strings.HasPrefix(err.Error(), tt.errContains), err.Error())
		})
	}
}
