package common

import (
	"io/fs"
	"time"

	"golang.org/x/sys/unix"
)

const AppName = "xmexec"

// Log field keys, in the order the formatter prints them.
const (
	HostName    = "Host"
	CommandName = "Command"
	RunIDName   = "RunID"
	KindName    = "Kind"
)

const (
	LocalHostname = "localhost"
	RootUser      = "root"
)

const (
	FileMode0755 fs.FileMode = 0755
	FileMode0644 fs.FileMode = 0644
	FileMode0600 fs.FileMode = 0600
)

// External tools the executors wrap commands with.
const (
	NetnsTool   = "/usr/sbin/ip"
	SudoTool    = "sudo"
	StraceTool  = "strace"
	ShellPath   = "/bin/sh"
	CoredumpCtl = "coredumpctl"
	// KillTool signals processes spawned through sudo, which the caller
	// may lack permission to signal directly.
	KillTool = "kill"
)

const (
	// MkdirCmdTpl creates a remote working directory.
	MkdirCmdTpl = "mkdir -p %s"
	// CdCmdTpl prefixes a remote command with a directory change.
	CdCmdTpl = "cd %s && %s"
)

const (
	DefaultSSHPort        = 22
	DefaultSSHTimeout     = 30 * time.Second
	DefaultResetTimeout   = 1 * time.Second
	DefaultDaemonStop     = 30 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
	RemoteChunkSize       = 1000
	LocalPipeDrainTimeout = 2 * time.Second
)

// GracefulSignals are the signals a graceful stop request results in: SIGTERM
// from the local executor, SIGINT from a remote PTY interrupt.
var GracefulSignals = []unix.Signal{unix.SIGTERM, unix.SIGINT}

// CoreSignals have "core" as their default action, see signal(7).
var CoreSignals = []unix.Signal{
	unix.SIGABRT,
	unix.SIGBUS,
	unix.SIGFPE,
	unix.SIGILL,
	unix.SIGIOT,
	unix.SIGQUIT,
	unix.SIGSEGV,
	unix.SIGSYS,
	unix.SIGTRAP,
	unix.SIGXCPU,
	unix.SIGXFSZ,
}

func ContainsSignal(set []unix.Signal, sig unix.Signal) bool {
	for _, s := range set {
		if s == sig {
			return true
		}
	}
	return false
}

// LifecycleState tracks an executable from construction to reaping.
type LifecycleState int

const (
	StateNotStarted LifecycleState = iota
	StateRunning
	StateFinished
)

func (s LifecycleState) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}
