package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mensylisir/xmexec/filesync"
)

// newSyncer falls back to the dataDir of the inventory host when dataDir is
// empty.
func newSyncer(g *globalOptions, dataDir string) (*filesync.Syncer, func(), error) {
	if dataDir == "" && g.inventory != "" && g.host != "" {
		h, err := g.hostSpec()
		if err != nil {
			return nil, nil, err
		}
		dataDir = h.DataDir
	}
	exec, err := g.executor()
	if err != nil {
		return nil, nil, err
	}
	s, err := filesync.New(exec, dataDir)
	if err != nil {
		closeExecutor(exec)
		return nil, nil, err
	}
	return s, func() { closeExecutor(exec) }, nil
}

func newPushCmd(g *globalOptions) *cobra.Command {
	var (
		dataDir  string
		checksum bool
	)
	cmd := &cobra.Command{
		Use:   "push SRC",
		Short: "Copy a local file or directory into the data directory of the host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, done, err := newSyncer(g, dataDir)
			if err != nil {
				return err
			}
			defer done()
			target, err := s.PushPath(args[0], checksum)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), target)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory on the host, a temporary one when empty")
	cmd.Flags().BoolVar(&checksum, "checksum", false, "skip remote files with the same MD5 instead of the same size and mtime")
	return cmd
}

func newPullCmd(g *globalOptions) *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "pull PATH [DEST]",
		Short: "Copy a file or directory from the data directory of the host",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, done, err := newSyncer(g, dataDir)
			if err != nil {
				return err
			}
			defer done()
			dst := "."
			if len(args) == 2 {
				dst = args[1]
			}
			target, err := s.PullPath(args[0], dst)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), target)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory on the host")
	return cmd
}
