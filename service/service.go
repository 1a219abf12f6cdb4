// Package service controls systemd units through systemctl, on the local
// machine or on any host an executor reaches.
package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/executable"
	"github.com/mensylisir/xmexec/executor"
	"github.com/mensylisir/xmexec/logger"
	"github.com/mensylisir/xmexec/util"
)

const (
	DefaultStartTimeout = 5 * time.Second
	DefaultStopTimeout  = 5 * time.Second

	systemctl  = "systemctl"
	journalctl = "journalctl"
	// journalctl --since format
	sinceLayout = "2006-01-02 15:04:05"
)

type Option func(*Service)

func WithExecutor(exec executor.Executor) Option {
	return func(s *Service) { s.exec = exec }
}

func WithLogger(entry *logrus.Entry) Option {
	return func(s *Service) { s.log = entry }
}

func WithStartTimeout(d time.Duration) Option {
	return func(s *Service) { s.startTimeout = d }
}

func WithStopTimeout(d time.Duration) Option {
	return func(s *Service) { s.stopTimeout = d }
}

// WithSudo runs systemctl and journalctl through sudo.
func WithSudo(sudo bool) Option {
	return func(s *Service) { s.sudo = sudo }
}

// Service is a systemd unit. The journal of the unit since the last Start
// is logged whenever starting or stopping fails.
type Service struct {
	name         string
	exec         executor.Executor
	log          *logrus.Entry
	startTimeout time.Duration
	stopTimeout  time.Duration
	sudo         bool
	started      time.Time
}

func New(name string, options ...Option) *Service {
	s := &Service{
		name:         name,
		startTimeout: DefaultStartTimeout,
		stopTimeout:  DefaultStopTimeout,
	}
	for _, o := range options {
		o(s)
	}
	if s.exec == nil {
		s.exec = executor.NewLocalExecutor()
	}
	if s.log == nil {
		s.log = logger.Log.ForHost(s.exec.Host()).WithField(common.KindName, "service")
	}
	s.log = s.log.WithField("Unit", name)
	return s
}

func (s *Service) Name() string {
	return s.name
}

func (s *Service) tool(v executable.FailureVerbosity, args ...string) *executable.Tool {
	return executable.NewTool(executor.Args(args...),
		executable.WithExecutor(s.exec),
		executable.WithLogger(s.log),
		executable.WithSudo(s.sudo),
		executable.WithFailureVerbosity(v),
	)
}

// IsActive reports whether systemd considers the unit active. Any failure
// to ask counts as inactive.
func (s *Service) IsActive() bool {
	stdout, _, _ := s.tool(executable.NoException, systemctl, "is-active", s.name).Run(0)
	return strings.TrimSpace(stdout) == "active"
}

// ReturnCode is the exit status of the unit's main process. It is only
// available once the unit was started and is no longer active.
func (s *Service) ReturnCode() (int, error) {
	if s.started.IsZero() {
		return 0, executor.NewStateError("return code", "service "+s.name+" has not been started")
	}
	if s.IsActive() {
		return 0, executor.NewStateError("return code", "service "+s.name+" is running")
	}

	stdout, _, err := s.tool(executable.Normal, systemctl, "show", s.name, "--property", "ExecMainStatus").Run(0)
	if err != nil {
		return 0, err
	}
	_, value, ok := strings.Cut(strings.TrimSpace(stdout), "=")
	if !ok {
		return 0, errors.Errorf("unexpected systemctl output %q", stdout)
	}
	rc, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid ExecMainStatus of %s", s.name)
	}
	return rc, nil
}

// Start asks systemd to start the unit. A failing systemctl is only logged;
// with blocking set Start waits up to the start timeout for the unit to
// become active and fails otherwise.
func (s *Service) Start(ctx context.Context, blocking bool) error {
	s.started = time.Now()
	if _, _, err := s.tool(executable.Normal, systemctl, "start", s.name).Run(0); err != nil {
		s.logFailure()
	}
	if !blocking {
		return nil
	}
	if !util.WaitUntil(ctx, s.IsActive, s.startTimeout, common.DefaultPollInterval) {
		s.logFailure()
		return errors.Errorf("service %s did not start (waited %s)", s.name, s.startTimeout)
	}
	return nil
}

// Stop asks systemd to stop the unit. With blocking set it waits up to the
// stop timeout for the unit to become inactive.
func (s *Service) Stop(ctx context.Context, blocking bool) error {
	if _, _, err := s.tool(executable.Normal, systemctl, "stop", s.name).Run(0); err != nil {
		s.logFailure()
	}
	if !blocking {
		return nil
	}
	inactive := func() bool { return !s.IsActive() }
	if !util.WaitUntil(ctx, inactive, s.stopTimeout, common.DefaultPollInterval) {
		s.logFailure()
		return errors.Errorf("service %s did not stop (waited %s)", s.name, s.stopTimeout)
	}
	return nil
}

func (s *Service) logFailure() {
	args := []string{journalctl, "-u", s.name}
	if !s.started.IsZero() {
		args = append(args, "--since", s.started.Format(sinceLayout))
	}
	stdout, stderr, err := s.tool(executable.NoException, args...).Run(0)
	if err != nil {
		s.log.Warnf("could not read the journal of %s: %v", s.name, err)
		return
	}
	s.log.Debugf("captured stdout:\n%s", stdout)
	s.log.Debugf("captured stderr:\n%s", stderr)
}
