package main

import (
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/config"
	"github.com/mensylisir/xmexec/connector"
	"github.com/mensylisir/xmexec/executable"
	"github.com/mensylisir/xmexec/executor"
	"github.com/mensylisir/xmexec/logger"
	"github.com/mensylisir/xmexec/util"
)

const (
	// passwordEnv holds the SSH password for hosts given on the command line.
	passwordEnv = "XMEXEC_PASSWORD"
	logDirEnv   = "XMEXEC_LOG_DIR"
)

type globalOptions struct {
	host      string
	inventory string
	user      string
	identity  string
	netns     string
	verbosity string
	logDir    string
	env       map[string]string
	sudo      bool
	verbose   bool
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           common.AppName,
		Short:         "Run commands, daemons and services on local or SSH hosts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.InitGlobalLogger(g.logDir, g.verbose, logrus.InfoLevel)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&g.host, "host", "", "host to execute on: an inventory name or [user@]address[:port], local when empty")
	flags.StringVar(&g.inventory, "inventory", "", "inventory file describing the hosts")
	flags.StringVar(&g.user, "user", common.RootUser, "SSH user when --host carries none")
	flags.StringVarP(&g.identity, "identity", "i", "", "SSH private key file, the password is read from $"+passwordEnv)
	flags.StringVar(&g.netns, "netns", "", "network namespace to run in")
	flags.BoolVar(&g.sudo, "sudo", false, "run through sudo")
	flags.StringToStringVarP(&g.env, "env", "e", nil, "extra environment variables KEY=VALUE")
	flags.StringVar(&g.verbosity, "verbosity", executable.Normal.String(), "failure verbosity: normal, no-error, no-exception or silent")
	flags.StringVar(&g.logDir, "log-dir", util.GetenvOrDefault(logDirEnv, ""), "write rotated log files to this directory instead of the console, defaults to $"+logDirEnv)
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newRunCmd(g),
		newDaemonCmd(g),
		newServiceCmd(g),
		newPushCmd(g),
		newPullCmd(g),
	)
	return root
}

func (g *globalOptions) executor() (executor.Executor, error) {
	if g.host == "" || g.host == common.LocalHostname {
		return executor.NewLocalExecutor(), nil
	}
	cfg, err := g.connectorConfig()
	if err != nil {
		return nil, err
	}
	return executor.NewRemoteExecutor(cfg)
}

func (g *globalOptions) connectorConfig() (connector.Config, error) {
	if g.inventory == "" {
		return parseHost(g.host, g.user, g.identity, os.Getenv(passwordEnv))
	}
	h, err := g.hostSpec()
	if err != nil {
		return connector.Config{}, err
	}
	return h.ConnectorConfig(), nil
}

// hostSpec looks --host up in --inventory.
func (g *globalOptions) hostSpec() (config.HostSpec, error) {
	inv, err := config.NewLoader(g.inventory).Load()
	if err != nil {
		return config.HostSpec{}, err
	}
	h, ok := inv.Host(g.host)
	if !ok {
		return config.HostSpec{}, errors.Errorf("host %q is not in inventory %s", g.host, g.inventory)
	}
	return h, nil
}

// options are the executable options shared by every subcommand.
func (g *globalOptions) options(exec executor.Executor) ([]executable.Option, error) {
	v, err := executable.ParseFailureVerbosity(g.verbosity)
	if err != nil {
		return nil, err
	}
	return []executable.Option{
		executable.WithExecutor(exec),
		executable.WithFailureVerbosity(v),
		executable.WithSudo(g.sudo),
		executable.WithNetns(g.netns),
		executable.WithEnv(g.env),
	}, nil
}

// parseHost splits [user@]address[:port].
func parseHost(s, user, keyFile, password string) (connector.Config, error) {
	cfg := connector.Config{
		Username: user,
		KeyFile:  keyFile,
		Password: password,
	}
	if u, rest, ok := strings.Cut(s, "@"); ok {
		cfg.Username, s = u, rest
	}
	if cfg.Username == "" {
		cfg.Username = common.RootUser
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		cfg.Address = s
		return cfg, nil
	}
	cfg.Address = host
	if cfg.Port, err = strconv.Atoi(port); err != nil {
		return cfg, errors.Errorf("invalid port %q in host %s", port, s)
	}
	return cfg, nil
}

func closeExecutor(exec executor.Executor) {
	if c, ok := exec.(io.Closer); ok {
		_ = c.Close()
	}
}

// command joins args into one shell command line when shell is set.
func command(args []string, shell bool) executor.Command {
	if shell {
		return executor.Shell(strings.Join(args, " "))
	}
	return executor.Args(args...)
}

// exitCode mirrors the exit of a failed process: its return code, or 128
// plus the signal number for a killed one.
func exitCode(err error) int {
	var perr *executable.ProcessError
	if !errors.As(err, &perr) {
		return 1
	}
	switch {
	case perr.ReturnCode > 0:
		return perr.ReturnCode
	case perr.ReturnCode < 0:
		return 128 - perr.ReturnCode
	}
	return 1
}
