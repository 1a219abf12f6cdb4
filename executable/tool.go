package executable

import (
	"time"

	"github.com/mensylisir/xmexec/executor"
)

// Tool runs a one-shot command to completion.
type Tool struct {
	Executable
}

func NewTool(cmd executor.Command, options ...Option) *Tool {
	return &Tool{Executable: newExecutable(cmd, options...)}
}

// Run starts the command and waits for it. A command still running after
// timeout is killed; timeout <= 0 waits forever. Every call starts a new
// process.
func (t *Tool) Run(timeout time.Duration) (stdout, stderr string, err error) {
	if err := t.start(); err != nil {
		return "", "", err
	}
	return t.waitOrKill(timeout)
}
