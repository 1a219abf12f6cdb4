package executor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensylisir/xmexec/connector"
	"github.com/mensylisir/xmexec/internal/sshtest"
)

func newTestRemote(t *testing.T) (*RemoteExecutor, *sshtest.Server) {
	t.Helper()
	srv := sshtest.Start(t)
	re, err := NewRemoteExecutor(connector.Config{
		Username: sshtest.User(),
		Password: sshtest.Password,
		Address:  srv.Host(),
		Port:     srv.Port(),
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = re.Close() })
	return re, srv
}

func TestRemoteExecutor_ConnectFailure(t *testing.T) {
	srv := sshtest.Start(t)
	_, err := NewRemoteExecutor(connector.Config{
		Username: sshtest.User(),
		Password: "wrong",
		Address:  srv.Host(),
		Port:     srv.Port(),
		Timeout:  5 * time.Second,
	})
	assert.True(t, IsSetupError(err))
}

func TestRemoteExecutor_SimpleCommand(t *testing.T) {
	re, _ := newTestRemote(t)
	require.NoError(t, re.Run(Args("printf", "hi"), Options{}))

	stdout, stderr, err := re.WaitOrKill(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", stdout)
	assert.Empty(t, stderr)

	st, err := re.TerminationStatus()
	require.NoError(t, err)
	assert.True(t, st.Finished)
	assert.Equal(t, 0, st.ReturnCode)
	assert.Equal(t, "127.0.0.1", re.Host())
}

func TestRemoteExecutor_StderrMergedAndExitCode(t *testing.T) {
	re, _ := newTestRemote(t)
	require.NoError(t, re.Run(Args("ls", "/nonexistent-xmexec-path"), Options{}))

	stdout, stderr, err := re.WaitOrKill(5 * time.Second)
	require.NoError(t, err)
	assert.Contains(t, stdout, "nonexistent-xmexec-path")
	assert.Empty(t, stderr)

	st, err := re.TerminationStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, st.ReturnCode)
}

func TestRemoteExecutor_ComposesEnvAndDir(t *testing.T) {
	re, srv := newTestRemote(t)
	dir := filepath.Join(t.TempDir(), "nested", "work dir")

	require.NoError(t, re.Run(Shell(`echo "$XMEXEC_VAR"; pwd -P`), Options{
		Env: map[string]string{"XMEXEC_VAR": "it's here"},
		Dir: dir,
	}))
	stdout, _, err := re.WaitOrKill(5 * time.Second)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "it's here", lines[0])
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, resolved, lines[1])

	cmds := srv.Commands()
	require.Len(t, cmds, 2, "mkdir runs synchronously before the command")
	assert.True(t, strings.HasPrefix(cmds[0], "mkdir -p "))
	assert.Contains(t, cmds[1], "export XMEXEC_VAR=")
	assert.Contains(t, cmds[1], "cd ")
}

func TestRemoteExecutor_ComposeOrder(t *testing.T) {
	re, _ := newTestRemote(t)
	got, err := re.compose(Args("ping", "-c", "1", "10.0.0.1"), Options{Netns: "blue"})
	require.NoError(t, err)
	assert.Equal(t, "ip netns exec blue ping -c 1 10.0.0.1", got)

	got, err = re.compose(Shell("echo a | wc -l"), Options{Netns: "blue", Env: map[string]string{"B": "2", "A": "1"}})
	require.NoError(t, err)
	assert.Equal(t, `export A='1' B='2' && ip netns exec blue sh -c 'echo a | wc -l'`, got)
}

func TestRemoteExecutor_InvalidEnvName(t *testing.T) {
	re, srv := newTestRemote(t)
	for _, name := range []string{"BAD KEY;", "1ST", "A-B", "X=$(id)", ""} {
		_, err := re.compose(Args("true"), Options{Env: map[string]string{name: "x"}})
		assert.True(t, IsSetupError(err), "%q: %v", name, err)
	}

	err := re.Run(Args("true"), Options{Env: map[string]string{"OK": "1", "x; touch /tmp/owned": "y"}, Dir: t.TempDir()})
	assert.True(t, IsSetupError(err), "got %v", err)
	assert.False(t, re.IsRunning())
	assert.Empty(t, srv.Commands(), "nothing runs on the host")

	_, err = re.compose(Args("true"), Options{Env: map[string]string{"_under_9": "x"}})
	assert.NoError(t, err)
}

func TestRemoteExecutor_InvalidEncoding(t *testing.T) {
	re, _ := newTestRemote(t)
	err := re.Run(Args("true"), Options{Encoding: "utf-16le"})
	assert.True(t, IsSetupError(err), "got %v", err)
	assert.False(t, re.IsRunning())
}

func TestRemoteExecutor_SharedConnection(t *testing.T) {
	srv := sshtest.Start(t)
	conn, err := connector.NewConnection(connector.Config{
		Username: sshtest.User(),
		Password: sshtest.Password,
		Address:  srv.Host(),
		Port:     srv.Port(),
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	for _, word := range []string{"one", "two"} {
		re := NewRemoteExecutorWithConnection(conn)
		assert.Same(t, conn, re.Connection())
		require.NoError(t, re.Run(Args("printf", word), Options{}))
		stdout, _, err := re.WaitOrKill(5 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, word, stdout)
	}
	assert.Len(t, srv.Commands(), 2)
}

func TestRemoteExecutor_Capabilities(t *testing.T) {
	re, _ := newTestRemote(t)
	f, err := os.Create(filepath.Join(t.TempDir(), "err.txt"))
	require.NoError(t, err)
	defer f.Close()
	limit := uint64(0)

	for name, opts := range map[string]Options{
		"stderr file": {Stderr: File(f)},
		"wrapper":     {Wrapper: echoWrapper{}},
		"core limit":  {CoreLimit: &limit},
		"stdin file":  {Stdin: File(f)},
	} {
		t.Run(name, func(t *testing.T) {
			err := re.Run(Args("true"), opts)
			assert.True(t, IsCapabilityError(err), "got %v", err)
			assert.False(t, re.IsRunning())
		})
	}
}

func TestRemoteExecutor_TerminateInterrupts(t *testing.T) {
	re, _ := newTestRemote(t)
	require.NoError(t, re.Run(Args("sleep", "10"), Options{}))
	time.Sleep(200 * time.Millisecond)
	assert.True(t, re.IsRunning())

	require.NoError(t, re.Terminate())
	stdout, _, err := re.WaitOrKill(5 * time.Second)
	require.NoError(t, err)
	assert.NotContains(t, stdout, "^C")

	st, err := re.TerminationStatus()
	require.NoError(t, err)
	assert.Equal(t, -2, st.ReturnCode)

	assert.NoError(t, re.Terminate(), "terminating a finished session is a no-op")
}

func TestRemoteExecutor_TimeoutEscalates(t *testing.T) {
	re, _ := newTestRemote(t)
	// the shell ignores SIGINT, so only KILL or closing the session ends it
	require.NoError(t, re.Run(Shell("trap '' INT; sleep 10"), Options{}))

	start := time.Now()
	_, _, err := re.WaitOrKill(300 * time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, re.IsRunning())

	st, err := re.TerminationStatus()
	require.NoError(t, err)
	assert.True(t, st.Finished)
	assert.Negative(t, st.ReturnCode)
}

func TestRemoteExecutor_IteratorsAndRepeatedWait(t *testing.T) {
	re, _ := newTestRemote(t)
	require.NoError(t, re.Run(Shell("for i in 1 2 3; do echo line$i; sleep 0.1; done"), Options{}))

	stdoutIt, stderrIt, err := re.OutputIterators()
	require.NoError(t, err)

	line, ok := stdoutIt.Next()
	require.True(t, ok)
	assert.Equal(t, "line1", line)
	_, ok = stderrIt.Next()
	assert.False(t, ok, "remote stderr is always empty")

	stdout, _, err := re.WaitOrKill(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "line2\nline3\n", stdout)

	stdout, stderr, err := re.WaitOrKill(5 * time.Second)
	require.NoError(t, err)
	assert.Empty(t, stdout)
	assert.Empty(t, stderr)
}

func TestRemoteExecutor_LongLine(t *testing.T) {
	re, _ := newTestRemote(t)
	require.NoError(t, re.Run(Shell("head -c 2500 /dev/zero | tr '\\0' 'a'; echo"), Options{}))

	it, _, err := re.OutputIterators()
	require.NoError(t, err)
	line, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("a", 2500), line)
	_, ok = it.Next()
	assert.False(t, ok)
}

func TestRemoteExecutor_RunWhileOwnedAndReset(t *testing.T) {
	re, _ := newTestRemote(t)
	require.NoError(t, re.Run(Args("sleep", "10"), Options{}))
	assert.True(t, IsSetupError(re.Run(Args("true"), Options{})))

	require.NoError(t, re.ResetProcess())
	assert.False(t, re.IsRunning())
	require.NoError(t, re.Run(Args("true"), Options{}))
	require.NoError(t, re.Wait())
}

func TestRemoteExecutor_StateErrors(t *testing.T) {
	re, _ := newTestRemote(t)
	assert.True(t, IsStateError(re.Terminate()))
	assert.True(t, IsStateError(re.Wait()))
	_, _, err := re.WaitOrKill(time.Second)
	assert.True(t, IsStateError(err))
	_, _, err = re.OutputIterators()
	assert.True(t, IsStateError(err))
}
