package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mensylisir/xmexec/service"
)

func newServiceCmd(g *globalOptions) *cobra.Command {
	var (
		timeout time.Duration
		noBlock bool
	)
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Control systemd units",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", service.DefaultStartTimeout, "how long to wait for a unit to start or stop")
	cmd.PersistentFlags().BoolVar(&noBlock, "no-block", false, "do not wait for the unit to change state")

	// withService runs f against the unit named by the only argument.
	withService := func(f func(cmd *cobra.Command, s *service.Service) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			exec, err := g.executor()
			if err != nil {
				return err
			}
			defer closeExecutor(exec)
			s := service.New(args[0],
				service.WithExecutor(exec),
				service.WithSudo(g.sudo),
				service.WithStartTimeout(timeout),
				service.WithStopTimeout(timeout),
			)
			return f(cmd, s)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "start UNIT",
			Short: "Start a unit",
			Args:  cobra.ExactArgs(1),
			RunE: withService(func(cmd *cobra.Command, s *service.Service) error {
				return s.Start(cmd.Context(), !noBlock)
			}),
		},
		&cobra.Command{
			Use:   "stop UNIT",
			Short: "Stop a unit",
			Args:  cobra.ExactArgs(1),
			RunE: withService(func(cmd *cobra.Command, s *service.Service) error {
				return s.Stop(cmd.Context(), !noBlock)
			}),
		},
		&cobra.Command{
			Use:   "status UNIT",
			Short: "Print whether a unit is active",
			Args:  cobra.ExactArgs(1),
			RunE: withService(func(cmd *cobra.Command, s *service.Service) error {
				state := "inactive"
				if s.IsActive() {
					state = "active"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", s.Name(), state)
				return nil
			}),
		},
	)
	return cmd
}
