package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/livinlefevreloca/cmdguard/internal/args"
	"github.com/livinlefevreloca/cmdguard/internal/config"
	"github.com/livinlefevreloca/cmdguard/internal/db"
	"github.com/livinlefevreloca/cmdguard/internal/eventlog"
	"github.com/livinlefevreloca/cmdguard/internal/guard"
	"github.com/livinlefevreloca/cmdguard/internal/history"
	"github.com/mandelsoft/vfs/pkg/vfs"
)

// BootstrapOptions controls how Bootstrap resolves its dependencies
type BootstrapOptions struct {
	// ConfigDir overrides the profile directory
	ConfigDir string
	// Environ defaults to os.Environ
	Environ func() []string
	// FS holds log files and lock markers, defaults to the OS filesystem
	FS vfs.FileSystem
	// Stderr receives mirrored log lines when [log] stderr is set
	Stderr io.Writer
	// Now is the clock used for log rotation
	Now func() time.Time
}

// Bootstrap builds a runner for job from command line arguments.
// The returned closer releases the event log and must be closed after Run.
func Bootstrap(job Job, argv []string, opts BootstrapOptions) (*Runner, io.Closer, error) {
	a, err := args.Parse(argv)
	if err != nil {
		return nil, nil, fmt.Errorf("parse arguments: %w", err)
	}

	profile, err := config.Load(config.LoadOptions{
		Dir:     opts.ConfigDir,
		Env:     a.Env(),
		Environ: opts.Environ,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load profile: %w", err)
	}

	logCfg, err := profile.Log()
	if err != nil {
		return nil, nil, fmt.Errorf("log settings: %w", err)
	}
	level, err := eventlog.ParseLevel(logCfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("log settings: %w", err)
	}

	logOpts := eventlog.Options{
		FS:      opts.FS,
		Level:   level,
		Backups: logCfg.Backups,
		Now:     opts.Now,
	}
	if logCfg.Stderr {
		logOpts.Mirror = opts.Stderr
		if logOpts.Mirror == nil {
			logOpts.Mirror = os.Stderr
		}
	}

	elog, err := eventlog.Open(logCfg.Dir, job.Name(), logOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}

	histCfg, err := profile.History()
	if err != nil {
		elog.Close()
		return nil, nil, fmt.Errorf("history settings: %w", err)
	}

	env := &Env{
		Args:    a,
		Profile: profile,
		Logger:  elog.Logger,
		DB:      db.NewClient(elog.Logger),
	}

	var runnerOpts []Option
	if histCfg.Enabled {
		runnerOpts = append(runnerOpts, WithRecorder(&historyRecorder{
			profile: profile,
			table:   histCfg.Table,
			logger:  elog.Logger,
		}))
	}

	g := guard.New(profile.Lock().Dir, opts.FS)
	return New(job, env, g, runnerOpts...), elog, nil
}

// historyRecorder opens the history store on Start and closes it on Finish
type historyRecorder struct {
	profile *config.Profile
	table   string
	logger  *slog.Logger
	store   *history.Store
}

func (h *historyRecorder) Start(ctx context.Context, command string) (string, error) {
	cfg, err := h.profile.Database()
	if err != nil {
		return "", err
	}
	store, err := history.Open(ctx, cfg, h.table, h.logger)
	if err != nil {
		return "", err
	}

	runID, err := store.Start(ctx, command)
	if err != nil {
		store.Close()
		return "", err
	}
	h.store = store
	return runID, nil
}

func (h *historyRecorder) Finish(ctx context.Context, runID string, runErr error) error {
	if h.store == nil {
		return errors.New("history: run was not started")
	}
	err := h.store.Finish(ctx, runID, runErr)
	if closeErr := h.store.Close(); err == nil {
		err = closeErr
	}
	h.store = nil
	return err
}
