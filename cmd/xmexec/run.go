package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mensylisir/xmexec/executable"
)

type runOptions struct {
	timeout      time.Duration
	shell        bool
	cwd          string
	stdout       string
	stderr       string
	stdin        string
	encoding     string
	straceOutput string
	coreFile     string
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] -- COMMAND [ARG...]",
		Short: "Run a command to completion and print its output",
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
			tool := executable.NewTool(command(args, o.shell), append(options, executable.WithEncoding(o.encoding))...)
			if o.cwd != "" {
				tool.SetCwd(o.cwd)
			}
			if o.stdout != "" || o.stderr != "" {
				tool.SetOutputs(o.stdout, o.stderr)
			}
			if o.stdin != "" {
				tool.SetStdin(o.stdin)
			}
			if o.straceOutput != "" {
				s := executable.NewStrace()
				s.SetOutputFile(o.straceOutput)
				if err := tool.SetStrace(s); err != nil {
					return err
				}
			}
			if o.coreFile != "" {
				c := executable.NewCoredump(false)
				c.SetCoreLimit(-1)
				c.SetOutputFile(o.coreFile)
				if err := tool.SetCoredump(c); err != nil {
					return err
				}
			}

			stdout, stderr, err := tool.Run(o.timeout)
			fmt.Fprint(cmd.OutOrStdout(), stdout)
			fmt.Fprint(cmd.ErrOrStderr(), stderr)
			return err
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&o.timeout, "timeout", 0, "kill the command after this long, 0 waits forever")
	flags.BoolVar(&o.shell, "shell", false, "run the arguments as one shell command line")
	flags.StringVar(&o.cwd, "cwd", "", "working directory")
	flags.StringVar(&o.stdout, "stdout", "", "write stdout to this file")
	flags.StringVar(&o.stderr, "stderr", "", "write stderr to this file, merged into stdout when only --stdout is set")
	flags.StringVar(&o.stdin, "stdin", "", "feed stdin from this file")
	flags.StringVar(&o.encoding, "encoding", "", "decode the output from this character set")
	flags.StringVar(&o.straceOutput, "strace", "", "trace the command with strace into this file")
	flags.StringVar(&o.coreFile, "core", "", "collect a core dump into this file")
	return cmd
}
