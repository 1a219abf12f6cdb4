package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/connector"
	"github.com/mensylisir/xmexec/logger"
	xmtime "github.com/mensylisir/xmexec/time"
)

// RemoteExecutor runs commands over SSH on a pseudo terminal. The terminal
// merges stderr into stdout, so stderr output always appears on stdout.
//
// Unlike LocalExecutor the remote process starts from the login
// environment of the remote user; Options.Env only adds to it.
type RemoteExecutor struct {
	mu   sync.Mutex
	conn connector.Connection
	proc *remoteProcess
}

var _ Executor = (*RemoteExecutor)(nil)

// envName matches the variable names a POSIX shell can export.
var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type remoteProcess struct {
	sess    *connector.Session
	command string
	started time.Time
	codec   codec

	done   chan struct{}
	status TerminationStatus

	mu         sync.Mutex
	stdout     *output
	reconciled bool
}

// NewRemoteExecutor dials the host described by cfg.
func NewRemoteExecutor(cfg connector.Config) (*RemoteExecutor, error) {
	conn, err := connector.NewConnection(cfg)
	if err != nil {
		return nil, newSetupError("connect", "cannot connect to "+cfg.Address, err)
	}
	return &RemoteExecutor{conn: conn}, nil
}

// NewRemoteExecutorWithConnection reuses an established connection.
func NewRemoteExecutorWithConnection(conn connector.Connection) *RemoteExecutor {
	return &RemoteExecutor{conn: conn}
}

func (r *RemoteExecutor) sealed() {}

func (r *RemoteExecutor) Host() string {
	return r.conn.Config().Address
}

// Connection exposes the SSH connection, e.g. for file transfers.
func (r *RemoteExecutor) Connection() connector.Connection {
	return r.conn
}

// Close releases the SSH connection.
func (r *RemoteExecutor) Close() error {
	return r.conn.Close()
}

func (r *RemoteExecutor) current() *remoteProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc
}

func (r *RemoteExecutor) Run(cmd Command, opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.proc != nil {
		return newSetupError("run", reasonOwned, nil)
	}
	if cmd.IsEmpty() {
		return newSetupError("run", "empty command", nil)
	}
	if err := checkRemoteOptions(opts); err != nil {
		return err
	}

	c, err := newCodec(opts.Encoding, true)
	if err != nil {
		return newSetupError("run", "invalid options", err)
	}

	command, err := r.compose(cmd, opts)
	if err != nil {
		return err
	}

	sess, err := r.conn.Start(context.Background(), command)
	if err != nil {
		return newSetupError("run", "failed to start "+command, err)
	}

	p := &remoteProcess{
		sess:    sess,
		command: command,
		started: time.Now(),
		codec:   c,
		done:    make(chan struct{}),
		status:  TerminationStatus{Command: command, Pid: -1},
	}

	var sink io.Writer
	switch opts.Stdout.mode(RedirectPipe) {
	case RedirectPipe:
		p.stdout = &output{src: newStream()}
		sink = p.stdout.src
	case RedirectInherit:
		sink = os.Stdout
	case RedirectDiscard:
		sink = io.Discard
	case RedirectFile:
		sink = opts.Stdout.File
	}

	go p.run(r.Host(), sink)
	r.proc = p
	return nil
}

func checkRemoteOptions(opts Options) error {
	if opts.Stdin.mode(RedirectDiscard) != RedirectDiscard {
		return newCapabilityError("run", "remote processes cannot read local stdin")
	}
	if opts.Stdout.mode(RedirectPipe) == RedirectStdout {
		return newSetupError("run", "stdout cannot be redirected to itself", nil)
	}
	if opts.Stderr.mode(RedirectPipe) == RedirectFile {
		return newCapabilityError("run", "stderr is merged into stdout on a remote terminal and cannot go to a separate file")
	}
	if opts.Wrapper != nil {
		return newCapabilityError("run", "command wrappers are supported by the local executor only")
	}
	if opts.CoreLimit != nil {
		return newCapabilityError("run", "core limits are supported by the local executor only")
	}
	return nil
}

// compose builds the remote command line. From the inside out: the command,
// the network namespace, exported variables, the working directory and sudo.
func (r *RemoteExecutor) compose(cmd Command, opts Options) (string, error) {
	cfg := r.conn.Config()
	useSudo := (opts.Sudo || os.Geteuid() == 0) && cfg.Username != common.RootUser

	command := cmd.String()
	if opts.Netns != "" {
		inner := command
		if cmd.IsShell() {
			inner = "sh -c " + connector.ShellEscape(command)
		}
		command = fmt.Sprintf("ip netns exec %s %s", connector.ShellQuote(opts.Netns), inner)
	}

	if len(opts.Env) > 0 {
		keys := make([]string, 0, len(opts.Env))
		for k := range opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		exports := make([]string, 0, len(keys))
		for _, k := range keys {
			if !envName.MatchString(k) {
				return "", newSetupError("run", fmt.Sprintf("invalid environment variable name %q", k), nil)
			}
			exports = append(exports, k+"="+connector.ShellEscape(opts.Env[k]))
		}
		command = fmt.Sprintf("export %s && %s", strings.Join(exports, " "), command)
	}

	if opts.Dir != "" {
		dir := connector.ShellEscape(opts.Dir)
		mkdir := fmt.Sprintf(common.MkdirCmdTpl, dir)
		if useSudo {
			mkdir = connector.SudoPrefix(mkdir)
		}
		out, code, err := r.conn.Exec(context.Background(), mkdir)
		if err != nil || code != 0 {
			reason := fmt.Sprintf("failed to create working directory %s (code %d): %s", opts.Dir, code, strings.TrimSpace(string(out)))
			return "", newSetupError("run", reason, err)
		}
		command = fmt.Sprintf(common.CdCmdTpl, dir, command)
	}

	if useSudo {
		command = connector.SudoPrefix(command)
	}
	return command, nil
}

func (p *remoteProcess) run(host string, sink io.Writer) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, common.RemoteChunkSize)
		for {
			n, err := p.sess.Stdout().Read(buf)
			if n > 0 {
				if _, werr := sink.Write(buf[:n]); werr != nil {
					logger.Log.DebugfCommand(host, p.command, "failed to store output: %v", werr)
				}
			}
			if err != nil {
				return
			}
		}
	}()

	code, err := p.sess.Wait()
	if err != nil {
		logger.Log.DebugfCommand(host, p.command, "session ended abnormally: %v", err)
	}
	<-readDone
	if p.stdout != nil {
		p.stdout.src.close()
	}
	_ = p.sess.Close()

	p.mu.Lock()
	p.status.ReturnCode = code
	p.status.Finished = true
	p.mu.Unlock()

	logger.Log.DebugfCommand(host, p.command, "exited with code %d after %s", code, xmtime.ShortDur(time.Since(p.started)))
	close(p.done)
}

func (p *remoteProcess) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (r *RemoteExecutor) IsRunning() bool {
	p := r.current()
	return p != nil && p.running()
}

// Terminate sends Ctrl-C to the remote terminal. A process that has already
// finished is left alone.
func (r *RemoteExecutor) Terminate() error {
	p := r.current()
	if p == nil {
		return newStateError("terminate", reasonNotStarted)
	}
	if !p.running() {
		return nil
	}
	return p.sess.Interrupt()
}

func (r *RemoteExecutor) Wait() error {
	p := r.current()
	if p == nil {
		return newStateError("wait", reasonNotStarted)
	}
	<-p.done
	return nil
}

func (r *RemoteExecutor) WaitOrKill(timeout time.Duration) (string, string, error) {
	p := r.current()
	if p == nil {
		return "", "", newStateError("wait_or_kill", reasonNotStarted)
	}

	if !waitDone(p.done, timeout) {
		logger.Log.WarnfCommand(r.Host(), p.command, "still running after %s, interrupting", xmtime.ShortDur(timeout))
		if err := p.sess.Interrupt(); err != nil {
			logger.Log.DebugfCommand(r.Host(), p.command, "interrupt failed: %v", err)
		}
		if err := p.sess.Kill(); err != nil {
			logger.Log.DebugfCommand(r.Host(), p.command, "kill failed: %v", err)
		}
		if !waitDone(p.done, common.DefaultResetTimeout) {
			_ = p.sess.Close()
			<-p.done
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reconciled {
		return "", "", nil
	}
	p.reconciled = true
	return p.codec.text(p.stdout.collect()), "", nil
}

func (r *RemoteExecutor) TerminationStatus() (TerminationStatus, error) {
	p := r.current()
	if p == nil {
		return TerminationStatus{}, newStateError("termination_status", reasonNotStarted)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, nil
}

func (r *RemoteExecutor) OutputIterators() (OutputIterator, OutputIterator, error) {
	p := r.current()
	if p == nil {
		return nil, nil, newStateError("output_iterators", reasonNotStarted)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reconciled {
		return nil, nil, newStateError("output_iterators", reasonReconciled)
	}
	return p.stdout.iterator(p.codec), emptyIterator{}, nil
}

func (r *RemoteExecutor) ResetProcess() error {
	p := r.current()
	if p != nil && p.running() {
		if err := r.Terminate(); err != nil {
			logger.Log.WarnfCommand(r.Host(), p.command, "terminate on reset failed: %v", err)
		}
		if _, _, err := r.WaitOrKill(common.DefaultResetTimeout); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.proc = nil
	r.mu.Unlock()
	return nil
}
