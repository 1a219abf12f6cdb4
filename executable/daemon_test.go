package executable

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensylisir/xmexec/executor"
)

func TestDaemon_StopTolerated(t *testing.T) {
	d := NewDaemon(executor.Args("sleep", "5"), WithSigtermOK(true))
	_, _, err := d.Start()
	require.NoError(t, err)
	assert.True(t, d.IsRunning())

	start := time.Now()
	_, _, err = d.Stop(time.Second)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.NoError(t, err)

	rc, ok := d.ReturnCode()
	require.True(t, ok)
	assert.Equal(t, -15, rc, "the raw status keeps the signal")
	assert.False(t, d.IsRunning())
}

func TestDaemon_StopNotTolerated(t *testing.T) {
	d := NewDaemon(executor.Args("sleep", "5"))
	_, _, err := d.Start()
	require.NoError(t, err)

	_, _, err = d.Stop(time.Second)
	var perr *ProcessError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, -15, perr.ReturnCode)
}

func TestDaemon_StopIsMemoised(t *testing.T) {
	d := NewDaemon(executor.Shell("echo ready; exec sleep 5"), WithSigtermOK(true))
	_, _, err := d.Start()
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	stdout, _, err := d.Stop(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ready\n", stdout)

	again, _, err := d.Stop(time.Second)
	require.NoError(t, err)
	assert.Equal(t, stdout, again)
}

func TestDaemon_StopEscalatesToKill(t *testing.T) {
	d := NewDaemon(executor.Shell("trap '' TERM; sleep 5"), WithSigtermOK(true))
	_, _, err := d.Start()
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	_, _, err = d.Stop(time.Second)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.True(t, IsProcessError(err), "a killed daemon is not a graceful stop")

	rc, ok := d.ReturnCode()
	require.True(t, ok)
	assert.Equal(t, -9, rc)
}

func TestDaemon_StateErrors(t *testing.T) {
	d := NewDaemon(executor.Args("sleep", "5"), WithSigtermOK(true))
	_, _, err := d.Stop(time.Second)
	assert.True(t, executor.IsStateError(err))

	_, _, err = d.Start()
	require.NoError(t, err)
	_, _, err = d.Start()
	assert.True(t, executor.IsStateError(err))

	_, _, err = d.Stop(time.Second)
	require.NoError(t, err)
}

func TestDaemon_Restart(t *testing.T) {
	d := NewDaemon(executor.Args("sleep", "5"), WithSigtermOK(true))
	for i := 0; i < 2; i++ {
		_, _, err := d.Start()
		require.NoError(t, err)
		assert.True(t, d.IsRunning())
		_, _, err = d.Stop(time.Second)
		require.NoError(t, err)
	}
}

func TestDaemon_IsRunningAfter(t *testing.T) {
	long := NewDaemon(executor.Args("sleep", "5"), WithSigtermOK(true))
	_, _, err := long.Start()
	require.NoError(t, err)
	assert.True(t, long.IsRunningAfter(200*time.Millisecond))
	_, _, err = long.Stop(time.Second)
	require.NoError(t, err)

	short := NewDaemon(executor.Shell("exit 0"))
	_, _, err = short.Start()
	require.NoError(t, err)
	assert.False(t, short.IsRunningAfter(2*time.Second))
}
