package executable

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/executor"
)

// FailureVerbosity controls what an executable does when its process fails.
type FailureVerbosity int

const (
	// Normal logs the failure with the captured output as an error and
	// returns a *ProcessError.
	Normal FailureVerbosity = iota
	// NoError logs at debug level and still returns the error.
	NoError
	// NoException logs at debug level and returns nothing.
	NoException
	// Silent neither logs nor returns an error.
	Silent
)

var verbosityNames = map[FailureVerbosity]string{
	Normal:      "normal",
	NoError:     "no-error",
	NoException: "no-exception",
	Silent:      "silent",
}

func (v FailureVerbosity) String() string {
	if name, ok := verbosityNames[v]; ok {
		return name
	}
	return fmt.Sprintf("FailureVerbosity(%d)", int(v))
}

// ParseFailureVerbosity accepts the names printed by String.
func ParseFailureVerbosity(s string) (FailureVerbosity, error) {
	for v, name := range verbosityNames {
		if name == s {
			return v, nil
		}
	}
	return Normal, errors.Errorf("unknown failure verbosity %q, expected one of normal, no-error, no-exception, silent", s)
}

// ProcessError is returned when a process exits with a non-zero code or is
// killed by a signal.
type ProcessError struct {
	ReturnCode int
	Command    string
	Stdout     string
	Stderr     string
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf(`command "%s" has failed with code %d`, e.Command, e.ReturnCode)
	if e.ReturnCode < 0 {
		if name := unix.SignalName(unix.Signal(-e.ReturnCode)); name != "" {
			msg += " (" + name + ")"
		}
	}
	return msg
}

func IsProcessError(err error) bool {
	var e *ProcessError
	return errors.As(err, &e)
}

// classify decides what a finished process means for the caller. The status
// itself is never altered.
func (e *Executable) classify(st executor.TerminationStatus, stdout, stderr string) error {
	if st.ReturnCode == 0 {
		return nil
	}
	log := e.runEntry()

	if e.sigtermOK && st.Signaled() && common.ContainsSignal(common.GracefulSignals, st.Signal()) {
		log.Debugf("terminated by %s, tolerated", unix.SignalName(st.Signal()))
		return nil
	}
	if e.verbosity == Silent {
		return nil
	}

	perr := &ProcessError{
		ReturnCode: st.ReturnCode,
		Command:    e.cmd.String(),
		Stdout:     stdout,
		Stderr:     stderr,
	}
	level := logrus.DebugLevel
	if e.verbosity == Normal {
		level = logrus.ErrorLevel
	}
	log.Log(level, perr.Error())
	log.Logf(level, "captured stdout:\n%s", stdout)
	log.Logf(level, "captured stderr:\n%s", stderr)

	if e.verbosity == NoException {
		return nil
	}
	return perr
}
