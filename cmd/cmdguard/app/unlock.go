package app

import (
	"fmt"

	"github.com/livinlefevreloca/cmdguard/internal/guard"
	"github.com/spf13/cobra"
)

type Unlock struct {
	cmd *cobra.Command

	mainopts *Options
	env      string
	lockDir  string
}

func NewUnlock(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock <job> {<job>} <options>",
		Short: "remove stale lock markers",
		Long: `
Deletes the lock marker of each given job. A marker left behind by a
killed process blocks every later run until it is removed. Unlocking a
job that is still running allows a second instance to start.
`,
		Args: cobra.MinimumNArgs(1),
	}

	c := &Unlock{
		cmd:      cmd,
		mainopts: opts,
	}
	c.cmd.RunE = func(cmd *cobra.Command, args []string) error { return c.Run(args) }
	flags := cmd.Flags()
	flags.StringVarP(&c.env, "env", "e", "", "profile environment")
	flags.StringVarP(&c.lockDir, "lock-dir", "l", "", "lock marker directory (default from profile)")
	return cmd
}

func (c *Unlock) Run(args []string) error {
	js, err := selectJobs(c.mainopts, args)
	if err != nil {
		return err
	}

	lockDir := c.lockDir
	if lockDir == "" {
		profile, err := c.mainopts.LoadProfile(c.env)
		if err != nil {
			return err
		}
		lockDir = profile.Lock().Dir
	}
	g := guard.New(lockDir, c.mainopts.fs)

	out := c.cmd.OutOrStdout()
	for _, j := range js {
		lockName := j.Name() + guard.MarkerSuffix
		held, err := g.Held(lockName)
		if err != nil {
			return err
		}
		if !held {
			fmt.Fprintf(out, "%s: not locked\n", j.Name())
			continue
		}
		if err := g.Release(lockName); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: unlocked\n", j.Name())
	}
	return nil
}
