// Package runner drives the lifecycle of a batch job: exclusive start under
// a lock marker, start/end events, failure containment and guaranteed
// cleanup.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/livinlefevreloca/cmdguard/internal/args"
	"github.com/livinlefevreloca/cmdguard/internal/config"
	"github.com/livinlefevreloca/cmdguard/internal/db"
	"github.com/livinlefevreloca/cmdguard/internal/guard"
)

// Process exit codes
const (
	ExitOK             = 0
	ExitAlreadyRunning = 1
	ExitFailure        = 2
)

// Job is a named unit of batch work
type Job interface {
	// Name identifies the job; it keys the lock marker and the log stream
	Name() string
	// Execute does the work. A returned error or a panic is logged by the
	// runner and does not change the exit code.
	Execute(ctx context.Context, env *Env) error
}

// Env is everything a job gets from the runner
type Env struct {
	Args    *args.Args
	Profile *config.Profile
	Logger  *slog.Logger
	DB      *db.Client
}

// Connect opens Env.DB with the [database] section of the profile
func (e *Env) Connect(ctx context.Context) error {
	cfg, err := e.Profile.Database()
	if err != nil {
		return err
	}
	return e.DB.Connect(ctx, cfg)
}

// Recorder persists run history
type Recorder interface {
	Start(ctx context.Context, command string) (string, error)
	Finish(ctx context.Context, runID string, runErr error) error
}

// ExecutionError wraps a failure raised from Job.Execute
type ExecutionError struct {
	Job      string
	Err      error
	Panicked bool
	Stack    []byte
}

func (e *ExecutionError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("job %s panicked: %v", e.Job, e.Err)
	}
	return fmt.Sprintf("job %s failed: %v", e.Job, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Trace renders the error, its cause chain and, for panics, the stack
func (e *ExecutionError) Trace() string {
	var b strings.Builder
	b.WriteString(e.Error())

	for cause := errors.Unwrap(e.Err); cause != nil; cause = errors.Unwrap(cause) {
		b.WriteString("\ncaused by: ")
		b.WriteString(cause.Error())
	}
	if len(e.Stack) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(string(e.Stack), "\n"))
	}
	return b.String()
}

// Runner composes a job with its guard, environment and history recorder
type Runner struct {
	job      Job
	env      *Env
	guard    *guard.Guard
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Runner
type Option func(*Runner)

// WithRecorder records every run that gets past the guard
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// WithLogger sends lifecycle events to logger instead of env.Logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// New creates a runner. Lifecycle events go to env.Logger unless
// WithLogger is given.
func New(job Job, env *Env, g *guard.Guard, opts ...Option) *Runner {
	if env == nil {
		env = &Env{}
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if env.DB == nil {
		env.DB = db.NewClient(env.Logger)
	}

	r := &Runner{
		job:    job,
		env:    env,
		guard:  g,
		logger: env.Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Env returns the environment handed to the job
func (r *Runner) Env() *Env {
	return r.env
}

// Run executes the job once if no other instance holds its marker.
// It returns guard.ErrAlreadyRunning on contention and an error if the
// marker could not be created; failures of the job itself are logged and
// never returned.
func (r *Runner) Run(ctx context.Context) error {
	name := r.job.Name()
	lockName := name + guard.MarkerSuffix

	res, err := r.guard.Acquire(lockName)
	if err != nil {
		r.logger.Error("failed to acquire lock", "lock", lockName, "error", err)
		if res == guard.Acquired {
			r.releaseLock(lockName)
		}
		return err
	}
	if res == guard.AlreadyRunning {
		r.logger.Warn("process is running", "lock", r.guard.MarkerPath(lockName))
		return guard.ErrAlreadyRunning
	}

	started := r.now()
	r.logger.Info("[START]" + name)
	runID := r.startRecord(ctx, name)

	var execErr *ExecutionError
	defer func() {
		r.releaseLock(lockName)
		r.disconnect()
		r.finishRecord(ctx, runID, execErr)
		r.logger.Info("[END]"+name, slog.Duration("elapsed", r.now().Sub(started)))
	}()

	execErr = r.execute(ctx)
	if execErr != nil {
		r.logger.Error(execErr.Trace())
	}
	return nil
}

// Main runs the job and maps the outcome to a process exit code
func (r *Runner) Main(ctx context.Context) int {
	return ExitCode(r.Run(ctx))
}

// ExitCode maps a Run result to a process exit code
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, guard.ErrAlreadyRunning):
		return ExitAlreadyRunning
	default:
		return ExitFailure
	}
}

// execute calls the job, turning returned errors and panics into an
// ExecutionError
func (r *Runner) execute(ctx context.Context) (execErr *ExecutionError) {
	name := r.job.Name()

	defer func() {
		if p := recover(); p != nil {
			err, ok := p.(error)
			if !ok {
				err = fmt.Errorf("%v", p)
			}
			execErr = &ExecutionError{Job: name, Err: err, Panicked: true, Stack: debug.Stack()}
		}
	}()

	if err := r.job.Execute(ctx, r.env); err != nil {
		return &ExecutionError{Job: name, Err: err}
	}
	return nil
}

func (r *Runner) releaseLock(lockName string) {
	if err := r.guard.Release(lockName); err != nil {
		r.logger.Error("failed to release lock", "lock", lockName, "error", err)
	}
}

func (r *Runner) disconnect() {
	if !r.env.DB.Connected() {
		return
	}
	if err := r.env.DB.Disconnect(); err != nil {
		r.logger.Error("failed to disconnect database", "error", err)
	}
}

func (r *Runner) startRecord(ctx context.Context, name string) string {
	if r.recorder == nil {
		return ""
	}
	runID, err := r.recorder.Start(ctx, name)
	if err != nil {
		r.logger.Error("failed to record run start", "error", err)
		return ""
	}
	return runID
}

func (r *Runner) finishRecord(ctx context.Context, runID string, execErr *ExecutionError) {
	if r.recorder == nil || runID == "" {
		return
	}
	var runErr error
	if execErr != nil {
		runErr = execErr
	}
	if err := r.recorder.Finish(ctx, runID, runErr); err != nil {
		r.logger.Error("failed to record run end", "run_id", runID, "error", err)
	}
}
