package executor

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Executor runs at most one process at a time, locally or on a remote host.
// The interface is sealed: LocalExecutor and RemoteExecutor are the only
// implementations.
type Executor interface {
	// Run starts cmd and returns without waiting for it.
	Run(cmd Command, opts Options) error
	IsRunning() bool
	// Terminate asks the process to stop: SIGTERM locally, Ctrl-C remotely.
	Terminate() error
	Wait() error
	// WaitOrKill waits up to timeout (no limit when timeout <= 0), forcibly
	// stops the process if it is still running, and returns the output not
	// yet consumed through OutputIterators.
	WaitOrKill(timeout time.Duration) (stdout, stderr string, err error)
	TerminationStatus() (TerminationStatus, error)
	OutputIterators() (stdout, stderr OutputIterator, err error)
	// ResetProcess stops a running process and forgets it so that Run may
	// be called again.
	ResetProcess() error
	Host() string

	sealed()
}

// CommandWrapper rewrites a command before it is spawned.
type CommandWrapper interface {
	Wrap(Command) Command
}

type Options struct {
	Env map[string]string
	// InheritEnv starts the environment from the caller's. Env overlays it.
	InheritEnv bool
	Dir        string
	Stdin      Redirect
	Stdout     Redirect
	Stderr     Redirect
	// Encoding names the character set of the output, e.g. "utf-8" or
	// "iso-8859-2". Empty means UTF-8.
	Encoding string
	// Netns runs the command inside the named network namespace.
	Netns string
	Sudo  bool
	// Wrapper is applied before netns and sudo. Local only.
	Wrapper CommandWrapper
	// CoreLimit is the RLIMIT_CORE the process starts with. Local only.
	CoreLimit *uint64
}

type RedirectMode int

const (
	// RedirectDefault is Pipe for stdout and stderr and Discard for stdin.
	RedirectDefault RedirectMode = iota
	RedirectPipe
	RedirectInherit
	RedirectDiscard
	RedirectFile
	// RedirectStdout sends stderr wherever stdout goes.
	RedirectStdout
)

type Redirect struct {
	Mode RedirectMode
	File *os.File
}

var (
	Pipe     = Redirect{Mode: RedirectPipe}
	Inherit  = Redirect{Mode: RedirectInherit}
	Discard  = Redirect{Mode: RedirectDiscard}
	ToStdout = Redirect{Mode: RedirectStdout}
)

func File(f *os.File) Redirect {
	return Redirect{Mode: RedirectFile, File: f}
}

func (r Redirect) mode(def RedirectMode) RedirectMode {
	if r.Mode == RedirectDefault {
		return def
	}
	return r.Mode
}

// TerminationStatus describes a process. ReturnCode is meaningful only once
// Finished is set. A process killed by a signal has ReturnCode -signum, a
// remote session that ended without reporting any status has -1.
type TerminationStatus struct {
	ReturnCode int
	Finished   bool
	Command    string
	Pid        int
}

func (s TerminationStatus) Signaled() bool {
	return s.Finished && s.ReturnCode < 0
}

// Signal is the terminating signal, zero when the process exited normally.
func (s TerminationStatus) Signal() unix.Signal {
	if !s.Signaled() {
		return 0
	}
	return unix.Signal(-s.ReturnCode)
}
