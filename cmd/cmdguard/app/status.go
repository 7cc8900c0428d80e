package app

import (
	"fmt"
	"sort"

	"github.com/livinlefevreloca/cmdguard/internal/config"
	"github.com/livinlefevreloca/cmdguard/internal/guard"
	"github.com/livinlefevreloca/cmdguard/internal/history"
	"github.com/livinlefevreloca/cmdguard/internal/runner"
	"github.com/spf13/cobra"
)

type Status struct {
	cmd *cobra.Command

	mainopts *Options
	env      string
	lockDir  string
	history  int
}

func NewStatus(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status {<job>} <options>",
		Short: "show whether jobs are running",
		Long: `
Reports for every given job (all jobs by default) whether its lock
marker exists. With --history the latest recorded runs are listed too,
which requires [history] enabled in the profile.
`,
	}

	c := &Status{
		cmd:      cmd,
		mainopts: opts,
	}
	c.cmd.RunE = func(cmd *cobra.Command, args []string) error { return c.Run(args) }
	flags := cmd.Flags()
	flags.StringVarP(&c.env, "env", "e", "", "profile environment")
	flags.StringVarP(&c.lockDir, "lock-dir", "l", "", "lock marker directory (default from profile)")
	flags.IntVarP(&c.history, "history", "H", 0, "number of recorded runs to show per job")
	return cmd
}

func (c *Status) Run(args []string) error {
	js, err := selectJobs(c.mainopts, args)
	if err != nil {
		return err
	}

	var profile *config.Profile
	if c.lockDir == "" || c.history > 0 {
		if profile, err = c.mainopts.LoadProfile(c.env); err != nil {
			return err
		}
	}

	lockDir := c.lockDir
	if lockDir == "" {
		lockDir = profile.Lock().Dir
	}
	g := guard.New(lockDir, c.mainopts.fs)

	var store *history.Store
	if c.history > 0 {
		if store, err = openHistory(c, profile); err != nil {
			return err
		}
		defer store.Close()
	}

	out := c.cmd.OutOrStdout()
	for _, j := range js {
		lockName := j.Name() + guard.MarkerSuffix
		held, err := g.Held(lockName)
		if err != nil {
			return err
		}
		state := "idle"
		if held {
			state = "running (" + g.MarkerPath(lockName) + ")"
		}
		fmt.Fprintf(out, "%s: %s\n", j.Name(), state)

		if store == nil {
			continue
		}
		runs, err := store.Recent(c.cmd.Context(), j.Name(), c.history)
		if err != nil {
			return err
		}
		for _, run := range runs {
			fmt.Fprintf(out, "  %s %s %s", run.StartedAt.Local().Format("2006-01-02 15:04:05"), run.RunID, run.Status)
			if run.Error != nil {
				fmt.Fprintf(out, ": %s", *run.Error)
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}

func openHistory(c *Status, profile *config.Profile) (*history.Store, error) {
	hc, err := profile.History()
	if err != nil {
		return nil, err
	}
	if !hc.Enabled {
		return nil, fmt.Errorf("--history requires [history] enabled = true")
	}
	cfg, err := profile.Database()
	if err != nil {
		return nil, err
	}
	return history.Open(c.cmd.Context(), cfg, hc.Table, nil)
}

// selectJobs resolves job arguments, all registered jobs when none given
func selectJobs(opts *Options, args []string) ([]runner.Job, error) {
	if len(args) == 0 {
		names := make([]string, 0, len(opts.jobs))
		for name := range opts.jobs {
			names = append(names, name)
		}
		sort.Strings(names)

		js := make([]runner.Job, 0, len(names))
		for _, name := range names {
			js = append(js, opts.jobs[name])
		}
		return js, nil
	}

	js := make([]runner.Job, 0, len(args))
	for _, arg := range args {
		j, err := opts.Job(arg)
		if err != nil {
			return nil, err
		}
		js = append(js, j)
	}
	return js, nil
}
