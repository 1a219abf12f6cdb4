package executor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func runLocal(t *testing.T, cmd Command, opts Options, timeout time.Duration) (*LocalExecutor, string, string) {
	t.Helper()
	le := NewLocalExecutor()
	require.NoError(t, le.Run(cmd, opts))
	stdout, stderr, err := le.WaitOrKill(timeout)
	require.NoError(t, err)
	return le, stdout, stderr
}

func TestLocalExecutor_SimpleCommand(t *testing.T) {
	le, stdout, stderr := runLocal(t, Args("printf", "hi"), Options{InheritEnv: true}, 0)
	assert.Equal(t, "hi", stdout)
	assert.Empty(t, stderr)

	st, err := le.TerminationStatus()
	require.NoError(t, err)
	assert.True(t, st.Finished)
	assert.Equal(t, 0, st.ReturnCode)
	assert.Equal(t, "printf hi", st.Command)
	assert.Positive(t, st.Pid)
	assert.Equal(t, "localhost", le.Host())
}

func TestLocalExecutor_NonZeroExit(t *testing.T) {
	le, stdout, stderr := runLocal(t, Args("ls", "/nonexistent-xmexec-path"), Options{InheritEnv: true}, 0)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "nonexistent-xmexec-path")

	st, err := le.TerminationStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, st.ReturnCode)
}

func TestLocalExecutor_StderrToStdout(t *testing.T) {
	_, stdout, stderr := runLocal(t, Shell("echo out; echo err >&2"), Options{Stderr: ToStdout}, 0)
	assert.Equal(t, "out\nerr\n", stdout)
	assert.Empty(t, stderr)
}

func TestLocalExecutor_Environment(t *testing.T) {
	t.Setenv("XMEXEC_INHERITED", "parent")

	_, stdout, _ := runLocal(t, Shell(`echo "$XMEXEC_INHERITED:$XMEXEC_SET"`),
		Options{InheritEnv: true, Env: map[string]string{"XMEXEC_SET": "child"}}, 0)
	assert.Equal(t, "parent:child\n", stdout)

	_, stdout, _ = runLocal(t, Shell(`echo "$XMEXEC_INHERITED:$XMEXEC_SET"`),
		Options{Env: map[string]string{"XMEXEC_SET": "only"}}, 0)
	assert.Equal(t, ":only\n", stdout)
}

func TestLocalExecutor_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	_, stdout, _ := runLocal(t, Args("pwd"), Options{InheritEnv: true, Dir: dir}, 0)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, resolved, strings.TrimSpace(stdout))
}

func TestLocalExecutor_StdoutToFile(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out.txt"))
	require.NoError(t, err)
	defer f.Close()

	_, stdout, _ := runLocal(t, Args("echo", "to-file"), Options{InheritEnv: true, Stdout: File(f)}, 0)
	assert.Empty(t, stdout)

	content, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "to-file\n", string(content))
}

func TestLocalExecutor_StdinFromFile(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(in, []byte("from-stdin\n"), 0644))
	f, err := os.Open(in)
	require.NoError(t, err)
	defer f.Close()

	_, stdout, _ := runLocal(t, Args("cat"), Options{InheritEnv: true, Stdin: File(f)}, 0)
	assert.Equal(t, "from-stdin\n", stdout)
}

func TestLocalExecutor_TimeoutKills(t *testing.T) {
	le := NewLocalExecutor()
	require.NoError(t, le.Run(Args("sleep", "10"), Options{InheritEnv: true}))
	assert.True(t, le.IsRunning())

	start := time.Now()
	_, _, err := le.WaitOrKill(200 * time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, le.IsRunning())

	st, err := le.TerminationStatus()
	require.NoError(t, err)
	assert.Equal(t, -9, st.ReturnCode)
	assert.True(t, st.Signaled())
}

func TestLocalExecutor_TerminateSendsSigterm(t *testing.T) {
	le := NewLocalExecutor()
	require.NoError(t, le.Run(Args("sleep", "10"), Options{InheritEnv: true}))
	require.NoError(t, le.Terminate())
	require.NoError(t, le.Wait())

	st, err := le.TerminationStatus()
	require.NoError(t, err)
	assert.Equal(t, -15, st.ReturnCode)

	assert.NoError(t, le.Terminate(), "terminating a finished process is a no-op")
}

func TestLocalExecutor_StatusBeforeExit(t *testing.T) {
	le := NewLocalExecutor()
	require.NoError(t, le.Run(Args("sleep", "10"), Options{InheritEnv: true}))
	defer le.ResetProcess()

	st, err := le.TerminationStatus()
	require.NoError(t, err)
	assert.False(t, st.Finished)
}

func TestLocalExecutor_StateErrors(t *testing.T) {
	le := NewLocalExecutor()
	assert.False(t, le.IsRunning())
	assert.True(t, IsStateError(le.Terminate()))
	assert.True(t, IsStateError(le.Wait()))
	_, _, err := le.WaitOrKill(time.Second)
	assert.True(t, IsStateError(err))
	_, err = le.TerminationStatus()
	assert.True(t, IsStateError(err))
	_, _, err = le.OutputIterators()
	assert.True(t, IsStateError(err))
	assert.NoError(t, le.ResetProcess())
}

func TestLocalExecutor_RunWhileOwned(t *testing.T) {
	le := NewLocalExecutor()
	require.NoError(t, le.Run(Args("true"), Options{}))
	require.NoError(t, le.Wait())

	err := le.Run(Args("true"), Options{})
	assert.True(t, IsSetupError(err))

	require.NoError(t, le.ResetProcess())
	require.NoError(t, le.Run(Args("true"), Options{}))
	require.NoError(t, le.Wait())
}

func TestLocalExecutor_ResetStopsRunningProcess(t *testing.T) {
	le := NewLocalExecutor()
	require.NoError(t, le.Run(Args("sleep", "10"), Options{InheritEnv: true}))

	start := time.Now()
	require.NoError(t, le.ResetProcess())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, le.IsRunning())
	_, err := le.TerminationStatus()
	assert.True(t, IsStateError(err))
}

func TestLocalExecutor_SpawnFailure(t *testing.T) {
	le := NewLocalExecutor()
	err := le.Run(Args("/nonexistent/xmexec-binary"), Options{})
	assert.True(t, IsSetupError(err))
	assert.False(t, le.IsRunning())
	assert.NoError(t, le.Run(Args("true"), Options{}), "a failed start leaves the executor free")
	require.NoError(t, le.Wait())
}

func TestLocalExecutor_IteratorsPartitionOutput(t *testing.T) {
	le := NewLocalExecutor()
	require.NoError(t, le.Run(Shell("for i in 1 2 3 4 5; do echo line$i; sleep 0.05; done; printf tail"), Options{InheritEnv: true}))

	stdoutIt, stderrIt, err := le.OutputIterators()
	require.NoError(t, err)

	again, _, err := le.OutputIterators()
	require.NoError(t, err)
	assert.Same(t, stdoutIt, again, "iterators are memoised per process")

	var seen []string
	for line := range Lines(stdoutIt) {
		seen = append(seen, line)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"line1", "line2"}, seen)

	stdout, _, err := le.WaitOrKill(0)
	require.NoError(t, err)
	assert.Equal(t, "line3\nline4\nline5\ntail", stdout)

	_, ok := stderrIt.Next()
	assert.False(t, ok)

	stdout, stderr, err := le.WaitOrKill(0)
	require.NoError(t, err)
	assert.Empty(t, stdout, "output is handed out once")
	assert.Empty(t, stderr)

	_, _, err = le.OutputIterators()
	assert.True(t, IsStateError(err))
}

type echoWrapper struct{}

func (echoWrapper) Wrap(c Command) Command { return c.Prepend("echo", "wrapped:") }

func TestLocalExecutor_Wrapper(t *testing.T) {
	_, stdout, _ := runLocal(t, Args("inner"), Options{InheritEnv: true, Wrapper: echoWrapper{}}, 0)
	assert.Equal(t, "wrapped: inner\n", stdout)
}

func TestWrapLocal_Order(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		opts Options
		want []string
	}{
		{"bare", Args("ping", "-c", "1"), Options{}, []string{"ping", "-c", "1"}},
		{"netns", Args("ping"), Options{Netns: "blue"}, []string{"/usr/sbin/ip", "netns", "exec", "blue", "ping"}},
		{"sudo", Args("ping"), Options{Sudo: true}, []string{"sudo", "-E", "ping"}},
		{
			"all",
			Args("ping"),
			Options{Wrapper: echoWrapper{}, Netns: "blue", Sudo: true},
			[]string{"sudo", "-E", "/usr/sbin/ip", "netns", "exec", "blue", "echo", "wrapped:", "ping"},
		},
		{
			"shell",
			Shell("echo a | wc -l"),
			Options{Netns: "blue", Sudo: true},
			[]string{"sudo", "-E", "/usr/sbin/ip", "netns", "exec", "blue", "/bin/sh", "-c", "echo a | wc -l"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, wrapLocal(tt.cmd, tt.opts).Argv())
		})
	}
}

func TestLocalExecutor_WrapperNetnsSudo(t *testing.T) {
	bin := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bin, "sudo"), []byte("#!/bin/sh\necho \"$@\"\n"), 0755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	opts := Options{InheritEnv: true, Wrapper: echoWrapper{}, Netns: "ns", Sudo: true}
	le, stdout, _ := runLocal(t, Args("inner"), opts, 5*time.Second)
	assert.Equal(t, "-E /usr/sbin/ip netns exec ns echo wrapped: inner\n", stdout)

	st, err := le.TerminationStatus()
	require.NoError(t, err)
	assert.Equal(t, "sudo -E /usr/sbin/ip netns exec ns echo wrapped: inner", st.Command)
}

func TestSudoKill_Argv(t *testing.T) {
	bin := t.TempDir()
	record := filepath.Join(bin, "argv")
	script := "#!/bin/sh\necho \"$@\" > " + record + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "sudo"), []byte(script), 0755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	require.NoError(t, sudoKill(unix.SIGTERM, 4242))
	got, err := os.ReadFile(record)
	require.NoError(t, err)
	assert.Equal(t, "kill -s SIGTERM 4242\n", string(got))
}

func TestLocalExecutor_CoreLimit(t *testing.T) {
	limit := uint64(0)
	_, stdout, _ := runLocal(t, Shell("ulimit -c"), Options{InheritEnv: true, CoreLimit: &limit}, 0)
	assert.Equal(t, "0\n", stdout)
}

func TestLocalExecutor_InvalidEncoding(t *testing.T) {
	le := NewLocalExecutor()
	err := le.Run(Args("true"), Options{Encoding: "no-such-charset"})
	assert.True(t, IsSetupError(err))

	err = le.Run(Args("printf", `a\000\n\000b\000\n\000`), Options{Encoding: "utf-16le"})
	assert.True(t, IsSetupError(err), "utf-16 output cannot be split into lines: %v", err)
	assert.False(t, le.IsRunning())
}
