package executor

import (
	"github.com/pkg/errors"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/connector"
)

// Command is either an argument vector or a single shell string.
type Command struct {
	args    []string
	shell   string
	isShell bool
}

func Args(args ...string) Command {
	return Command{args: append([]string(nil), args...)}
}

// Shell is interpreted by /bin/sh.
func Shell(cmd string) Command {
	return Command{shell: cmd, isShell: true}
}

func (c Command) IsShell() bool {
	return c.isShell
}

func (c Command) IsEmpty() bool {
	if c.isShell {
		return c.shell == ""
	}
	return len(c.args) == 0
}

// Append adds arguments. A shell command accepts exactly one string, which
// is joined with a space.
func (c Command) Append(args ...string) (Command, error) {
	if c.isShell {
		if len(args) != 1 {
			return c, errors.Errorf("shell command can only be extended by a single string, got %d", len(args))
		}
		if c.shell == "" {
			return Shell(args[0]), nil
		}
		return Shell(c.shell + " " + args[0]), nil
	}
	out := make([]string, 0, len(c.args)+len(args))
	out = append(out, c.args...)
	out = append(out, args...)
	return Command{args: out}, nil
}

// Prepend puts args in front of the command. A shell command becomes the
// argument of /bin/sh -c.
func (c Command) Prepend(args ...string) Command {
	out := make([]string, 0, len(args)+len(c.Argv()))
	out = append(out, args...)
	out = append(out, c.Argv()...)
	return Command{args: out}
}

// Argv is the vector to spawn.
func (c Command) Argv() []string {
	if c.isShell {
		return []string{common.ShellPath, "-c", c.shell}
	}
	return append([]string(nil), c.args...)
}

// String renders the command as a shell would read it.
func (c Command) String() string {
	if c.isShell {
		return c.shell
	}
	return connector.ShellJoin(c.args)
}
