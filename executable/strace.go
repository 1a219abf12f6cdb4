package executable

import (
	"slices"
	"strings"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/executor"
	"github.com/mensylisir/xmexec/util"
)

var straceBaseArgs = []string{
	"-DDD", // keep strace alive until the tracee is gone
	"-C",   // syscall summary on exit
	"-i",   // instruction pointer
	"-f",   // follow forks
	"-tt",  // absolute timestamps with microseconds
	"-T",   // time spent in syscalls
	"-y",   // paths of file descriptors
}

// Strace wraps a command with strace(1).
type Strace struct {
	outputFile  string
	expressions []string
}

var _ executor.CommandWrapper = (*Strace)(nil)

func NewStrace() *Strace {
	return &Strace{}
}

// AddExpression adds qualifying expressions passed to strace -e.
func (s *Strace) AddExpression(exprs ...string) {
	s.expressions = util.UniqueStrings(append(s.expressions, exprs...))
	slices.Sort(s.expressions)
}

func (s *Strace) SetOutputFile(path string) {
	s.outputFile = path
}

func (s *Strace) OutputFile() string {
	return s.outputFile
}

// Args returns the strace arguments that precede the traced command.
func (s *Strace) Args() []string {
	args := slices.Clone(straceBaseArgs)
	if s.outputFile != "" {
		args = append(args, "-o", s.outputFile)
	}
	if len(s.expressions) > 0 {
		args = append(args, "-e", strings.Join(s.expressions, ","))
	}
	return args
}

func (s *Strace) Wrap(cmd executor.Command) executor.Command {
	return cmd.Prepend(append([]string{common.StraceTool}, s.Args()...)...)
}
