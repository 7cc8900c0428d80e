package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/livinlefevreloca/cmdguard/internal/config"
	"github.com/livinlefevreloca/cmdguard/internal/jobs"
	"github.com/livinlefevreloca/cmdguard/internal/runner"
	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/spf13/cobra"
)

// Options are shared by all subcommands
type Options struct {
	configDir string
	fs        vfs.FileSystem
	environ   func() []string
	stdout    io.Writer
	stderr    io.Writer
	jobs      map[string]runner.Job
}

// DefaultJobs returns the jobs shipped with the binary
func DefaultJobs() []runner.Job {
	return []runner.Job{&jobs.Sync{}, &jobs.Report{}}
}

// NewOptions registers jobs under their lower-cased names
func NewOptions(js []runner.Job, fss ...vfs.FileSystem) *Options {
	var fs vfs.FileSystem = osfs.OsFs
	if len(fss) > 0 && fss[0] != nil {
		fs = fss[0]
	}

	opts := &Options{
		fs:      fs,
		environ: os.Environ,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		jobs:    map[string]runner.Job{},
	}
	for _, j := range js {
		opts.jobs[strings.ToLower(j.Name())] = j
	}
	return opts
}

// Job looks a job up by command or job name
func (o *Options) Job(name string) (runner.Job, error) {
	if j, ok := o.jobs[strings.ToLower(name)]; ok {
		return j, nil
	}
	return nil, fmt.Errorf("unknown job %q", name)
}

// LoadProfile resolves the profile selected by env
func (o *Options) LoadProfile(env string) (*config.Profile, error) {
	return config.Load(config.LoadOptions{
		Dir:     o.configDir,
		Env:     env,
		Environ: o.environ,
	})
}

// New builds the command tree
func New(opts *Options) *cobra.Command {
	maincmd := &cobra.Command{
		Use:   "cmdguard <options> <job|cmd> <args>",
		Short: "run batch jobs with single instance protection",
		Long: `
Each job runs at most once at a time per host. A second invocation
while the first is still running exits with status 1 without doing
any work. Job arguments have the form [positional...] [--key=value...];
--env=<name> selects the profile cmdguard.<name>.toml.
`,
		TraverseChildren: true,
		SilenceUsage:     true,
		SilenceErrors:    true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("job or command required")
			}
			return fmt.Errorf("unknown job or command %q", args[0])
		},
	}

	flags := maincmd.Flags()
	flags.StringVarP(&opts.configDir, "config-dir", "c", "", "profile directory (default $"+config.DirEnvVar+" or "+config.DefaultDir+")")

	names := make([]string, 0, len(opts.jobs))
	for name := range opts.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		maincmd.AddCommand(NewJob(opts, name, opts.jobs[name]))
	}

	maincmd.AddCommand(NewStatus(opts))
	maincmd.AddCommand(NewUnlock(opts))
	return maincmd
}

// Execute runs the command line and returns the process exit code
func Execute(ctx context.Context, argv []string) int {
	opts := NewOptions(DefaultJobs())
	return run(ctx, opts, argv)
}

func run(ctx context.Context, opts *Options, argv []string) int {
	logger := slog.New(slog.NewJSONHandler(opts.stderr, nil))

	cmd := New(opts)
	cmd.SetArgs(argv)
	cmd.SetOut(opts.stdout)
	cmd.SetErr(opts.stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		logger.Error("cmdguard failed", "error", err)
		return runner.ExitCode(err)
	}
	return runner.ExitOK
}
