package executor

import (
	"fmt"

	"github.com/pkg/errors"
)

// SetupError means a process could not be started: spawn failure, a missing
// connection, or a process that is still owned.
type SetupError struct {
	Op     string
	Reason string
	Err    error
}

func (e *SetupError) Error() string { return format("setup", e.Op, e.Reason, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// StateError means an operation was called in the wrong lifecycle state.
type StateError struct {
	Op     string
	Reason string
}

func (e *StateError) Error() string { return format("state", e.Op, e.Reason, nil) }

// CapabilityError means the executor cannot honour a requested option.
type CapabilityError struct {
	Op     string
	Reason string
}

func (e *CapabilityError) Error() string { return format("capability", e.Op, e.Reason, nil) }

func format(kind, op, reason string, err error) string {
	msg := fmt.Sprintf("%s error in %s: %s", kind, op, reason)
	if err != nil {
		msg += ": " + err.Error()
	}
	return msg
}

func newSetupError(op, reason string, err error) error {
	return &SetupError{Op: op, Reason: reason, Err: err}
}

func newStateError(op, reason string) error {
	return &StateError{Op: op, Reason: reason}
}

func newCapabilityError(op, reason string) error {
	return &CapabilityError{Op: op, Reason: reason}
}

func IsSetupError(err error) bool {
	var e *SetupError
	return errors.As(err, &e)
}

func IsStateError(err error) bool {
	var e *StateError
	return errors.As(err, &e)
}

func IsCapabilityError(err error) bool {
	var e *CapabilityError
	return errors.As(err, &e)
}

// NewCapabilityError is used by layers above the executor that reject an
// option the executor cannot serve.
func NewCapabilityError(op, reason string) error {
	return newCapabilityError(op, reason)
}

// NewStateError is the exported form of the lifecycle error.
func NewStateError(op, reason string) error {
	return newStateError(op, reason)
}

const (
	reasonNotStarted = "process was not started yet"
	reasonOwned      = "the previous process is running or the executor has not been reset"
	reasonReconciled = "output was already collected by WaitOrKill"
)
