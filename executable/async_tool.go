package executable

import (
	"time"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/executor"
)

// AsyncTool runs a command in the background and lets the caller read its
// output line by line while it runs.
type AsyncTool struct {
	Executable

	stdout  string
	stderr  string
	waitErr error
}

func NewAsyncTool(cmd executor.Command, options ...Option) *AsyncTool {
	return &AsyncTool{Executable: newExecutable(cmd, options...)}
}

func (a *AsyncTool) Run() error {
	if a.state == common.StateRunning {
		return executor.NewStateError("run", "the previous run was not finalised by WaitOrKill")
	}
	return a.start()
}

// WaitOrKill finalises the run. Once finalised it returns the same result
// without touching the process again.
func (a *AsyncTool) WaitOrKill(timeout time.Duration) (stdout, stderr string, err error) {
	switch a.state {
	case common.StateNotStarted:
		return "", "", executor.NewStateError("wait_or_kill", "process was not started yet")
	case common.StateFinished:
		return a.stdout, a.stderr, a.waitErr
	}
	a.stdout, a.stderr, a.waitErr = a.waitOrKill(timeout)
	return a.stdout, a.stderr, a.waitErr
}

// Stdout returns the live line iterator of the standard output. Lines read
// here are not part of the output WaitOrKill returns.
func (a *AsyncTool) Stdout() (executor.OutputIterator, error) {
	if err := a.checkIterable("stdout", a.opts.Stdout, a.stdoutPath); err != nil {
		return nil, err
	}
	it, _, err := a.exec.OutputIterators()
	return it, err
}

func (a *AsyncTool) Stderr() (executor.OutputIterator, error) {
	if err := a.checkIterable("stderr", a.opts.Stderr, a.stderrPath); err != nil {
		return nil, err
	}
	_, it, err := a.exec.OutputIterators()
	return it, err
}

func (a *AsyncTool) checkIterable(name string, r executor.Redirect, path string) error {
	if path != "" || r.Mode != executor.RedirectPipe {
		return executor.NewStateError(name, name+" is not captured")
	}
	if a.state != common.StateRunning {
		return executor.NewStateError(name, "process is not running")
	}
	return nil
}
