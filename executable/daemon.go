package executable

import (
	"context"
	"time"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/executor"
	"github.com/mensylisir/xmexec/util"
)

// Daemon runs a command in the background until it is stopped.
type Daemon struct {
	Executable

	stdout  string
	stderr  string
	stopErr error
}

func NewDaemon(cmd executor.Command, options ...Option) *Daemon {
	return &Daemon{Executable: newExecutable(cmd, options...)}
}

// Start spawns the command. A process that is already gone right after the
// start is reaped at once and its output is returned.
func (d *Daemon) Start() (stdout, stderr string, err error) {
	if d.state == common.StateRunning {
		return "", "", executor.NewStateError("start", "daemon is already started")
	}
	if err := d.start(); err != nil {
		return "", "", err
	}
	if !d.exec.IsRunning() {
		d.runEntry().Warn("exited right after start")
		return d.Stop(common.DefaultDaemonStop)
	}
	return "", "", nil
}

// Stop terminates the process and waits up to timeout before killing it.
// A stopped daemon returns the result of the first Stop again.
func (d *Daemon) Stop(timeout time.Duration) (stdout, stderr string, err error) {
	switch d.state {
	case common.StateNotStarted:
		return "", "", executor.NewStateError("stop", "daemon was not started")
	case common.StateFinished:
		return d.stdout, d.stderr, d.stopErr
	}

	if err := d.exec.Terminate(); err != nil {
		d.runEntry().Warnf("terminate failed: %v", err)
	}
	d.stdout, d.stderr, d.stopErr = d.waitOrKill(timeout)
	return d.stdout, d.stderr, d.stopErr
}

// IsRunningAfter waits up to grace for the process to exit and reports
// whether it survived.
func (d *Daemon) IsRunningAfter(grace time.Duration) bool {
	util.WaitUntil(context.Background(), func() bool { return !d.IsRunning() }, grace, common.DefaultPollInterval)
	return d.IsRunning()
}
