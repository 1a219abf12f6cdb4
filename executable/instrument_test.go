package executable

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mensylisir/xmexec/executor"
)

func TestStrace_Wrap(t *testing.T) {
	s := NewStrace()
	s.SetOutputFile("/tmp/trace.out")
	s.AddExpression("write", "openat")
	s.AddExpression("write")

	got := s.Wrap(executor.Args("ls", "-l")).Argv()
	assert.Equal(t, []string{
		"strace", "-DDD", "-C", "-i", "-f", "-tt", "-T", "-y",
		"-o", "/tmp/trace.out",
		"-e", "openat,write",
		"ls", "-l",
	}, got)
	assert.Equal(t, "/tmp/trace.out", s.OutputFile())
}

func TestStrace_WrapShellAndDefaults(t *testing.T) {
	got := NewStrace().Wrap(executor.Shell("echo a | wc -l")).Argv()
	assert.Equal(t, []string{
		"strace", "-DDD", "-C", "-i", "-f", "-tt", "-T", "-y",
		"/bin/sh", "-c", "echo a | wc -l",
	}, got)
}

func TestTool_SetStraceInstallsWrapper(t *testing.T) {
	tool := NewTool(executor.Args("true"))
	s := NewStrace()
	require.NoError(t, tool.SetStrace(s))
	assert.Same(t, s, tool.opts.Wrapper)
	assert.Equal(t, "true", tool.Command().String(), "the command itself is left as is")
}

func TestCoredump_Limits(t *testing.T) {
	c := NewCoredump(false)
	assert.Equal(t, unlimited, c.CoreLimit())

	c.SetCoreLimit(4096)
	assert.EqualValues(t, 4096, c.CoreLimit())
	c.SetCoreLimit(-1)
	assert.Equal(t, unlimited, c.CoreLimit())

	var rlim unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_CORE, &rlim))
	assert.Equal(t, rlim.Cur, NewCoredump(true).CoreLimit())
}

func TestCoredump_LimitReadAtStart(t *testing.T) {
	c := NewCoredump(false)
	tool := NewTool(executor.Shell("ulimit -c"))
	require.NoError(t, tool.SetCoredump(c))

	c.SetCoreLimit(4096)
	opts, err := tool.spawnOptions()
	require.NoError(t, err)
	require.NotNil(t, opts.CoreLimit)
	assert.EqualValues(t, 4096, *opts.CoreLimit)

	c.SetCoreLimit(0)
	stdout, _, err := tool.Run(0)
	require.NoError(t, err)
	assert.Equal(t, "0\n", stdout)
}

func TestCoredump_MovesCoreFileAfterCrash(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(t.TempDir(), "crash.core")

	c := NewCoredump(false)
	c.SetCoreLimit(0)
	c.SetOutputFile(out)

	tool := NewTool(executor.Shell("echo dumped > core.$$; kill -SEGV $$"))
	tool.SetCwd(dir)
	require.NoError(t, tool.SetCoredump(c))

	_, _, err := tool.Run(0)
	require.True(t, IsProcessError(err))
	st, err := tool.TerminationStatus()
	require.NoError(t, err)
	assert.Equal(t, -int(unix.SIGSEGV), st.ReturnCode)

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "dumped\n", string(content))
	_, err = os.Stat(filepath.Join(dir, "core."+strconv.Itoa(st.Pid)))
	assert.True(t, os.IsNotExist(err))
}

func TestCoredump_IgnoresNonCoreSignals(t *testing.T) {
	dir := t.TempDir()
	core := filepath.Join(dir, "core.4242")
	require.NoError(t, os.WriteFile(core, []byte("x"), 0644))
	out := filepath.Join(dir, "out.core")

	c := NewCoredump(false)
	c.SetOutputFile(out)
	entry := logrus.NewEntry(logrus.New())

	c.collect(executor.TerminationStatus{ReturnCode: -int(unix.SIGTERM), Finished: true, Pid: 4242}, dir, entry)
	c.collect(executor.TerminationStatus{ReturnCode: 1, Finished: true, Pid: 4242}, dir, entry)

	_, err := os.Stat(core)
	assert.NoError(t, err, "the core file stays where it is")
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}
