package app

import (
	"fmt"

	"github.com/livinlefevreloca/cmdguard/internal/runner"
	"github.com/spf13/cobra"
)

type Job struct {
	cmd *cobra.Command

	mainopts *Options
	job      runner.Job
}

// NewJob exposes a job as a subcommand. Flag parsing is left to the job's
// own argument rules.
func NewJob(opts *Options, name string, job runner.Job) *cobra.Command {
	cmd := &cobra.Command{
		Use:                name + " [positional...] [--key=value...]",
		Short:              fmt.Sprintf("run the %s job", job.Name()),
		DisableFlagParsing: true,
	}

	c := &Job{
		cmd:      cmd,
		mainopts: opts,
		job:      job,
	}
	c.cmd.RunE = func(cmd *cobra.Command, args []string) error { return c.Run(args) }
	return cmd
}

func (c *Job) Run(args []string) error {
	r, closer, err := runner.Bootstrap(c.job, args, runner.BootstrapOptions{
		ConfigDir: c.mainopts.configDir,
		Environ:   c.mainopts.environ,
		FS:        c.mainopts.fs,
		Stderr:    c.mainopts.stderr,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", c.job.Name(), err)
	}
	defer closer.Close()

	if err := r.Run(c.cmd.Context()); err != nil {
		return fmt.Errorf("%s: %w", c.job.Name(), err)
	}
	return nil
}
