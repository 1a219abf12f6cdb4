// Package executable drives an executor.Executor on behalf of a caller:
// it owns the command and its options, opens output files, attaches
// strace and coredump collection and turns a failed process into an error
// according to the configured FailureVerbosity.
package executable

import (
	"maps"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/executor"
	"github.com/mensylisir/xmexec/logger"
	"github.com/mensylisir/xmexec/util"
)

type Option func(*Executable)

const maxCommandField = 200

func WithExecutor(exec executor.Executor) Option {
	return func(e *Executable) { e.exec = exec }
}

// WithLogger replaces the entry derived from the global logger.
func WithLogger(entry *logrus.Entry) Option {
	return func(e *Executable) { e.entry = entry }
}

func WithFailureVerbosity(v FailureVerbosity) Option {
	return func(e *Executable) { e.verbosity = v }
}

// WithSigtermOK tolerates a process stopped by SIGTERM or SIGINT.
func WithSigtermOK(ok bool) Option {
	return func(e *Executable) { e.sigtermOK = ok }
}

func WithNetns(netns string) Option {
	return func(e *Executable) { e.opts.Netns = netns }
}

func WithSudo(sudo bool) Option {
	return func(e *Executable) { e.opts.Sudo = sudo }
}

// WithEnv adds variables on top of the inherited environment.
func WithEnv(env map[string]string) Option {
	return func(e *Executable) {
		for k, v := range env {
			e.SetEnvKey(k, v)
		}
	}
}

func WithEncoding(encoding string) Option {
	return func(e *Executable) { e.opts.Encoding = encoding }
}

// Executable is the state shared by Tool, Daemon and AsyncTool.
type Executable struct {
	cmd       executor.Command
	opts      executor.Options
	exec      executor.Executor
	entry     *logrus.Entry
	run       *logrus.Entry
	verbosity FailureVerbosity
	sigtermOK bool
	state     common.LifecycleState

	stdoutPath string
	stderrPath string
	stdinPath  string
	files      []*os.File

	coredump *Coredump
}

func newExecutable(cmd executor.Command, options ...Option) Executable {
	e := Executable{
		cmd: cmd,
		opts: executor.Options{
			InheritEnv: true,
			Stdout:     executor.Pipe,
			Stderr:     executor.Pipe,
		},
	}
	for _, o := range options {
		o(&e)
	}
	if e.exec == nil {
		e.exec = executor.NewLocalExecutor()
	}
	return e
}

func (e *Executable) Executor() executor.Executor {
	return e.exec
}

func (e *Executable) Command() executor.Command {
	return e.cmd
}

func (e *Executable) SetFailureVerbosity(v FailureVerbosity) {
	e.verbosity = v
}

// SetEnv replaces the whole environment of the process. On a remote
// executor the variables are added to the login environment instead.
func (e *Executable) SetEnv(env map[string]string) {
	e.opts.Env = maps.Clone(env)
	if e.opts.Env == nil {
		e.opts.Env = map[string]string{}
	}
	e.opts.InheritEnv = false
}

func (e *Executable) SetEnvKey(key, value string) {
	if e.opts.Env == nil {
		e.opts.Env = map[string]string{}
	}
	e.opts.Env[key] = value
}

func (e *Executable) ClearEnv() {
	e.opts.Env = map[string]string{}
	e.opts.InheritEnv = false
}

// SetCwd sets the working directory. A remote executor creates it, a local
// one expects it to exist.
func (e *Executable) SetCwd(path string) {
	e.opts.Dir = path
}

// SetOutputs sends stdout and stderr to files created when the process
// starts. An empty stdout keeps the output captured, an empty stderr merges
// it into stdout.
func (e *Executable) SetOutputs(stdout, stderr string) {
	e.stdoutPath, e.stderrPath = stdout, stderr
	if stdout == "" {
		e.opts.Stdout = executor.Pipe
	}
	if stderr == "" {
		e.opts.Stderr = executor.ToStdout
	}
	e.entry0().Infof("outputs for command %s set to stdout=%q stderr=%q", e.cmd, stdout, stderr)
}

// RedirectOutputs sets stdout and stderr to non-file targets such as
// executor.Inherit or executor.Discard.
func (e *Executable) RedirectOutputs(stdout, stderr executor.Redirect) {
	e.stdoutPath, e.stderrPath = "", ""
	e.opts.Stdout, e.opts.Stderr = stdout, stderr
}

// SetStdin feeds the process from a file. Local only.
func (e *Executable) SetStdin(path string) {
	e.stdinPath = path
}

// SetStrace runs the command under strace. Local only.
func (e *Executable) SetStrace(s *Strace) error {
	if err := e.requireLocal("set_strace"); err != nil {
		return err
	}
	e.opts.Wrapper = s
	return nil
}

// SetCoredump sets the core size limit of the process and collects the
// core file after a crash. The limit is read from c at every start. Local
// only.
func (e *Executable) SetCoredump(c *Coredump) error {
	if err := e.requireLocal("set_coredump"); err != nil {
		return err
	}
	e.coredump = c
	return nil
}

func (e *Executable) requireLocal(op string) error {
	if _, ok := e.exec.(*executor.LocalExecutor); !ok {
		return executor.NewCapabilityError(op, "only supported by the local executor")
	}
	return nil
}

// AppendArguments extends the command. A shell command accepts exactly one
// string.
func (e *Executable) AppendArguments(args ...string) error {
	cmd, err := e.cmd.Append(args...)
	if err != nil {
		return err
	}
	e.cmd = cmd
	return nil
}

func (e *Executable) IsRunning() bool {
	return e.state == common.StateRunning && e.exec.IsRunning()
}

func (e *Executable) TerminationStatus() (executor.TerminationStatus, error) {
	return e.exec.TerminationStatus()
}

// ReturnCode reports the exit code once the process has finished.
func (e *Executable) ReturnCode() (int, bool) {
	st, err := e.exec.TerminationStatus()
	if err != nil || !st.Finished {
		return 0, false
	}
	return st.ReturnCode, true
}

func (e *Executable) entry0() *logrus.Entry {
	if e.entry != nil {
		return e.entry
	}
	return logger.Log.ForHost(e.exec.Host())
}

// runEntry carries the fields of the current run.
func (e *Executable) runEntry() *logrus.Entry {
	if e.run != nil {
		return e.run
	}
	return e.entry0().WithField(common.CommandName, e.commandField())
}

// commandField keeps log lines of long shell scripts readable.
func (e *Executable) commandField() string {
	return util.TruncateString(e.cmd.String(), maxCommandField, "...")
}

// spawnOptions are the options of the next process: output files are
// opened and the core limit of the attached Coredump is read.
func (e *Executable) spawnOptions() (executor.Options, error) {
	opts := e.opts
	if e.coredump != nil {
		limit := e.coredump.CoreLimit()
		opts.CoreLimit = &limit
	}
	open := func(path string, flag int) (*os.File, error) {
		f, err := os.OpenFile(path, flag, common.FileMode0644)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %s", path)
		}
		e.files = append(e.files, f)
		return f, nil
	}

	if e.stdoutPath != "" {
		f, err := open(e.stdoutPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return opts, err
		}
		opts.Stdout = executor.File(f)
	}
	if e.stderrPath != "" {
		f, err := open(e.stderrPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return opts, err
		}
		opts.Stderr = executor.File(f)
	}
	if e.stdinPath != "" {
		f, err := open(e.stdinPath, os.O_RDONLY)
		if err != nil {
			return opts, err
		}
		opts.Stdin = executor.File(f)
	}
	return opts, nil
}

func (e *Executable) closeFiles() {
	for _, f := range e.files {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			e.runEntry().Warnf("failed to close %s: %v", f.Name(), err)
		}
	}
	e.files = nil
}

// start resets the executor and spawns the command in the background.
func (e *Executable) start() error {
	if err := e.exec.ResetProcess(); err != nil {
		return err
	}
	e.run = e.entry0().WithFields(logrus.Fields{
		common.CommandName: e.commandField(),
		common.RunIDName:   uuid.NewString(),
	})

	opts, err := e.spawnOptions()
	if err != nil {
		e.closeFiles()
		return err
	}
	if err := e.exec.Run(e.cmd, opts); err != nil {
		e.closeFiles()
		e.run.Debugf("failed to start: %v", err)
		return err
	}
	e.state = common.StateRunning
	e.run.Debug("started")
	return nil
}

// waitOrKill reaps the process and classifies its exit.
func (e *Executable) waitOrKill(timeout time.Duration) (string, string, error) {
	stdout, stderr, err := e.exec.WaitOrKill(timeout)
	if err != nil {
		e.finalize(nil)
		return "", "", err
	}
	st, err := e.exec.TerminationStatus()
	if err != nil {
		e.finalize(nil)
		return stdout, stderr, err
	}
	e.finalize(&st)
	e.runEntry().Debugf("finished with code %d", st.ReturnCode)
	return stdout, stderr, e.classify(st, stdout, stderr)
}

func (e *Executable) finalize(st *executor.TerminationStatus) {
	e.closeFiles()
	e.state = common.StateFinished
	if st != nil && e.coredump != nil {
		e.coredump.collect(*st, e.opts.Dir, e.runEntry())
	}
}
