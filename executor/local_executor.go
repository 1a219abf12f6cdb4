package executor

import (
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/logger"
	xmtime "github.com/mensylisir/xmexec/time"
)

// rlimitMu serialises the RLIMIT_CORE swap around process start; the limit
// belongs to the whole calling process.
var rlimitMu sync.Mutex

// LocalExecutor runs commands on this machine. Every process starts in its
// own session so that it can be killed together with its children.
type LocalExecutor struct {
	mu   sync.Mutex
	proc *localProcess
}

var _ Executor = (*LocalExecutor)(nil)

type localProcess struct {
	cmd     *exec.Cmd
	command string
	sudo    bool
	started time.Time
	codec   codec

	done   chan struct{}
	status TerminationStatus

	mu         sync.Mutex
	stdout     *output
	stderr     *output
	reconciled bool
}

func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

func (l *LocalExecutor) sealed() {}

func (l *LocalExecutor) Host() string {
	return common.LocalHostname
}

func (l *LocalExecutor) current() *localProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.proc
}

func (l *LocalExecutor) Run(cmd Command, opts Options) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.proc != nil {
		return newSetupError("run", reasonOwned, nil)
	}
	if cmd.IsEmpty() {
		return newSetupError("run", "empty command", nil)
	}

	c, err := newCodec(opts.Encoding, false)
	if err != nil {
		return newSetupError("run", "invalid options", err)
	}

	wrapped := wrapLocal(cmd, opts)
	argv := wrapped.Argv()
	ec := exec.Command(argv[0], argv[1:]...)
	ec.Env = buildEnv(opts)
	ec.Dir = opts.Dir
	ec.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	ec.WaitDelay = common.LocalPipeDrainTimeout

	p := &localProcess{
		cmd:     ec,
		command: wrapped.String(),
		sudo:    opts.Sudo,
		codec:   c,
		done:    make(chan struct{}),
	}
	if err := p.redirect(opts); err != nil {
		return err
	}

	if err := startWithCoreLimit(ec, opts.CoreLimit); err != nil {
		return newSetupError("run", "failed to start "+p.command, err)
	}
	p.started = time.Now()
	p.status = TerminationStatus{Command: p.command, Pid: ec.Process.Pid}
	logger.Log.DebugfCommand(common.LocalHostname, p.command, "started with pid %d", ec.Process.Pid)

	go p.reap()
	l.proc = p
	return nil
}

// wrapLocal applies, from the inside out, the wrapper, the network
// namespace and sudo.
func wrapLocal(cmd Command, opts Options) Command {
	if opts.Wrapper != nil {
		cmd = opts.Wrapper.Wrap(cmd)
	}
	if opts.Netns != "" {
		cmd = cmd.Prepend(common.NetnsTool, "netns", "exec", opts.Netns)
	}
	if opts.Sudo {
		cmd = cmd.Prepend(common.SudoTool, "-E")
	}
	return cmd
}

func buildEnv(opts Options) []string {
	env := make([]string, 0, len(opts.Env))
	if opts.InheritEnv {
		env = append(env, os.Environ()...)
	}
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+opts.Env[k])
	}
	return env
}

func (p *localProcess) redirect(opts Options) error {
	switch opts.Stdin.mode(RedirectDiscard) {
	case RedirectDiscard:
	case RedirectInherit:
		p.cmd.Stdin = os.Stdin
	case RedirectFile:
		p.cmd.Stdin = opts.Stdin.File
	default:
		return newSetupError("run", "stdin can only be discarded, inherited or read from a file", nil)
	}

	switch opts.Stdout.mode(RedirectPipe) {
	case RedirectPipe:
		p.stdout = &output{src: newStream()}
		p.cmd.Stdout = p.stdout.src
	case RedirectInherit:
		p.cmd.Stdout = os.Stdout
	case RedirectDiscard:
	case RedirectFile:
		p.cmd.Stdout = opts.Stdout.File
	default:
		return newSetupError("run", "stdout cannot be redirected to itself", nil)
	}

	switch opts.Stderr.mode(RedirectPipe) {
	case RedirectPipe:
		p.stderr = &output{src: newStream()}
		p.cmd.Stderr = p.stderr.src
	case RedirectStdout:
		p.cmd.Stderr = p.cmd.Stdout
	case RedirectInherit:
		p.cmd.Stderr = os.Stderr
	case RedirectDiscard:
	case RedirectFile:
		p.cmd.Stderr = opts.Stderr.File
	}
	return nil
}

// startWithCoreLimit starts cmd while the calling process carries the
// requested core limit, so the child inherits it.
func startWithCoreLimit(cmd *exec.Cmd, limit *uint64) error {
	if limit == nil {
		return cmd.Start()
	}

	rlimitMu.Lock()
	defer rlimitMu.Unlock()

	var old unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &old); err != nil {
		return errors.Wrap(err, "failed to read core limit")
	}
	next := unix.Rlimit{Cur: *limit, Max: old.Max}
	if *limit > old.Max {
		next.Max = *limit
	}
	err := unix.Setrlimit(unix.RLIMIT_CORE, &next)
	if errors.Is(err, unix.EPERM) && next.Max != old.Max {
		logger.Log.Warnf("core limit %d exceeds the hard limit %d, using the hard limit", *limit, old.Max)
		next = unix.Rlimit{Cur: old.Max, Max: old.Max}
		err = unix.Setrlimit(unix.RLIMIT_CORE, &next)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to set core limit to %d", *limit)
	}
	defer func() {
		if err := unix.Setrlimit(unix.RLIMIT_CORE, &old); err != nil {
			logger.Log.Warnf("failed to restore core limit: %v", err)
		}
	}()
	return cmd.Start()
}

func (p *localProcess) reap() {
	if err := p.cmd.Wait(); err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			logger.Log.DebugfCommand(common.LocalHostname, p.command, "wait failed: %v", err)
		}
	}
	code := exitCode(p.cmd.ProcessState)
	if p.stdout != nil {
		p.stdout.src.close()
	}
	if p.stderr != nil {
		p.stderr.src.close()
	}

	p.mu.Lock()
	p.status.ReturnCode = code
	p.status.Finished = true
	p.mu.Unlock()

	logger.Log.DebugfCommand(common.LocalHostname, p.command, "exited with code %d after %s",
		code, xmtime.ShortDur(time.Since(p.started)))
	close(p.done)
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}

func (p *localProcess) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (l *LocalExecutor) IsRunning() bool {
	p := l.current()
	return p != nil && p.running()
}

func (l *LocalExecutor) Terminate() error {
	p := l.current()
	if p == nil {
		return newStateError("terminate", reasonNotStarted)
	}
	if !p.running() {
		return nil
	}
	return p.signal(unix.SIGTERM, false)
}

// signal delivers sig to the process, or to its whole session when group is
// set. Processes started through sudo are signalled through sudo as well.
func (p *localProcess) signal(sig unix.Signal, group bool) error {
	pid := p.cmd.Process.Pid
	var err error
	if p.sudo && !group {
		err = sudoKill(sig, pid)
	} else {
		target := pid
		if group {
			target = -pid
		}
		err = unix.Kill(target, sig)
		if errors.Is(err, unix.EPERM) {
			err = sudoKill(sig, pid)
		}
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to send %s to pid %d", unix.SignalName(sig), pid)
	}
	return nil
}

func sudoKill(sig unix.Signal, pid int) error {
	out, err := exec.Command(common.SudoTool, common.KillTool, "-s", unix.SignalName(sig), strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "sudo kill failed: %s", out)
	}
	return nil
}

func (l *LocalExecutor) Wait() error {
	p := l.current()
	if p == nil {
		return newStateError("wait", reasonNotStarted)
	}
	<-p.done
	return nil
}

func (l *LocalExecutor) WaitOrKill(timeout time.Duration) (string, string, error) {
	p := l.current()
	if p == nil {
		return "", "", newStateError("wait_or_kill", reasonNotStarted)
	}

	if !waitDone(p.done, timeout) {
		logger.Log.WarnfCommand(common.LocalHostname, p.command, "still running after %s, killing", xmtime.ShortDur(timeout))
		if err := p.signal(unix.SIGKILL, true); err != nil {
			logger.Log.ErrorfCommand(common.LocalHostname, p.command, err, "failed to kill process")
		}
		<-p.done
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reconciled {
		return "", "", nil
	}
	p.reconciled = true
	return p.codec.text(p.stdout.collect()), p.codec.text(p.stderr.collect()), nil
}

// waitDone reports whether done closed within timeout. timeout <= 0 waits
// forever.
func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (l *LocalExecutor) TerminationStatus() (TerminationStatus, error) {
	p := l.current()
	if p == nil {
		return TerminationStatus{}, newStateError("termination_status", reasonNotStarted)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, nil
}

func (l *LocalExecutor) OutputIterators() (OutputIterator, OutputIterator, error) {
	p := l.current()
	if p == nil {
		return nil, nil, newStateError("output_iterators", reasonNotStarted)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reconciled {
		return nil, nil, newStateError("output_iterators", reasonReconciled)
	}
	return p.stdout.iterator(p.codec), p.stderr.iterator(p.codec), nil
}

func (l *LocalExecutor) ResetProcess() error {
	p := l.current()
	if p != nil && p.running() {
		if err := l.Terminate(); err != nil {
			logger.Log.WarnfCommand(common.LocalHostname, p.command, "terminate on reset failed: %v", err)
		}
		if _, _, err := l.WaitOrKill(common.DefaultResetTimeout); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.proc = nil
	l.mu.Unlock()
	return nil
}
