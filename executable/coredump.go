package executable

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/executor"
	"github.com/mensylisir/xmexec/file"
)

// unlimited is RLIM_INFINITY on Linux.
const unlimited = ^uint64(0)

// Coredump sets the core size limit of a process and moves the core file it
// leaves behind after a crash.
type Coredump struct {
	coreLimit  uint64
	outputFile string
}

// NewCoredump starts with an unlimited core size, or with the current soft
// limit of this process when inherit is set.
func NewCoredump(inherit bool) *Coredump {
	c := &Coredump{coreLimit: unlimited}
	if inherit {
		var rlim unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_CORE, &rlim); err == nil {
			c.coreLimit = rlim.Cur
		}
	}
	return c
}

// SetCoreLimit takes the size in bytes. A negative limit means unlimited.
func (c *Coredump) SetCoreLimit(limit int64) {
	if limit < 0 {
		c.coreLimit = unlimited
		return
	}
	c.coreLimit = uint64(limit)
}

func (c *Coredump) CoreLimit() uint64 {
	return c.coreLimit
}

func (c *Coredump) SetOutputFile(path string) {
	c.outputFile = path
}

func (c *Coredump) OutputFile() string {
	return c.outputFile
}

// collect moves core.<pid> from the working directory to the output file.
// Without that file the dump is requested from systemd-coredump.
func (c *Coredump) collect(st executor.TerminationStatus, dir string, log *logrus.Entry) {
	if !st.Signaled() || !common.ContainsSignal(common.CoreSignals, st.Signal()) {
		return
	}
	if c.outputFile == "" {
		return
	}

	core := "core." + strconv.Itoa(st.Pid)
	if dir != "" {
		core = filepath.Join(dir, core)
	}
	if exists, _ := file.PathExists(core); exists {
		if err := file.MovePath(core, c.outputFile); err != nil {
			log.Warnf("failed to move core file: %v", err)
		}
		return
	}

	if os.Geteuid() != 0 {
		log.Warn("unable to store coredump due to insufficient permissions, root permissions are required to retrieve it")
	}
	dump := NewTool(
		executor.Args(common.CoredumpCtl, "dump", strconv.Itoa(st.Pid), "-o", c.outputFile),
		WithFailureVerbosity(NoException),
		WithLogger(log),
	)
	if _, _, err := dump.Run(0); err != nil {
		log.Warnf("coredumpctl failed: %v", err)
	}
}
