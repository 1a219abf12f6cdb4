package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/executable"
	"github.com/mensylisir/xmexec/util"
)

// forever bounds the wait of a daemon without --duration.
const forever = 100 * 365 * 24 * time.Hour

type daemonOptions struct {
	duration    time.Duration
	stopTimeout time.Duration
	sigtermOK   bool
	shell       bool
}

func newDaemonCmd(g *globalOptions) *cobra.Command {
	o := &daemonOptions{}
	cmd := &cobra.Command{
		Use:   "daemon [flags] -- COMMAND [ARG...]",
		Short: "Run a command in the background until it exits, --duration passes or xmexec is interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := g.executor()
			if err != nil {
				return err
			}
			defer closeExecutor(exec)

			options, err := g.options(exec)
			if err != nil {
				return err
			}
			d := executable.NewDaemon(command(args, o.shell), append(options, executable.WithSigtermOK(o.sigtermOK))...)
			stdout, stderr, err := d.Start()
			if err != nil || !d.IsRunning() {
				fmt.Fprint(cmd.OutOrStdout(), stdout)
				fmt.Fprint(cmd.ErrOrStderr(), stderr)
				return err
			}

			wait := o.duration
			if wait <= 0 {
				wait = forever
			}
			util.WaitUntil(cmd.Context(), func() bool { return !d.IsRunning() }, wait, common.DefaultPollInterval)

			stdout, stderr, err = d.Stop(o.stopTimeout)
			fmt.Fprint(cmd.OutOrStdout(), stdout)
			fmt.Fprint(cmd.ErrOrStderr(), stderr)
			return err
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&o.duration, "duration", 0, "stop the daemon after this long, 0 runs until interrupted")
	flags.DurationVar(&o.stopTimeout, "stop-timeout", common.DefaultDaemonStop, "how long a stopping daemon may take before it is killed")
	flags.BoolVar(&o.sigtermOK, "sigterm-ok", true, "do not report a daemon ended by the stop signal as failed")
	flags.BoolVar(&o.shell, "shell", false, "run the arguments as one shell command line")
	return cmd
}
