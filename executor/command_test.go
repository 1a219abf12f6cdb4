package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_Append(t *testing.T) {
	c, err := Args("ls").Append("-l", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, []string{"ls", "-l", "/tmp"}, c.Argv())
	assert.Equal(t, "ls -l /tmp", c.String())

	s, err := Shell("echo a").Append("b")
	require.NoError(t, err)
	assert.True(t, s.IsShell())
	assert.Equal(t, "echo a b", s.String())

	_, err = Shell("echo").Append("a", "b")
	assert.Error(t, err, "a shell command takes exactly one extra string")
}

func TestCommand_AppendDoesNotAlias(t *testing.T) {
	base := Args("ping", "-c", "1")
	a, err := base.Append("host-a")
	require.NoError(t, err)
	b, err := base.Append("host-b")
	require.NoError(t, err)
	assert.Equal(t, "ping -c 1 host-a", a.String())
	assert.Equal(t, "ping -c 1 host-b", b.String())
	assert.Equal(t, "ping -c 1", base.String())
}

func TestCommand_Prepend(t *testing.T) {
	c := Args("ip", "link").Prepend("sudo", "-E")
	assert.Equal(t, []string{"sudo", "-E", "ip", "link"}, c.Argv())

	s := Shell("echo $HOME | wc -c").Prepend("sudo")
	assert.False(t, s.IsShell())
	assert.Equal(t, []string{"sudo", "/bin/sh", "-c", "echo $HOME | wc -c"}, s.Argv())
	assert.Equal(t, "sudo /bin/sh -c 'echo $HOME | wc -c'", s.String())
}

func TestCommand_IsEmpty(t *testing.T) {
	assert.True(t, Args().IsEmpty())
	assert.True(t, Shell("").IsEmpty())
	assert.False(t, Args("true").IsEmpty())
}

func TestTerminationStatus_Signal(t *testing.T) {
	assert.False(t, TerminationStatus{ReturnCode: -15}.Signaled(), "unfinished status is never signalled")
	st := TerminationStatus{ReturnCode: -15, Finished: true}
	assert.True(t, st.Signaled())
	assert.EqualValues(t, 15, st.Signal())
	assert.EqualValues(t, 0, TerminationStatus{ReturnCode: 2, Finished: true}.Signal())
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsSetupError(newSetupError("run", "x", nil)))
	assert.True(t, IsStateError(newStateError("wait", "x")))
	assert.True(t, IsCapabilityError(newCapabilityError("run", "x")))
	assert.False(t, IsStateError(newSetupError("run", "x", nil)))
	assert.Contains(t, newStateError("wait", reasonNotStarted).Error(), "not started")
}
