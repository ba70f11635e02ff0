//go:build linux

package steamcmd

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellRunner() *Runner {
	return NewRunner("/bin/sh", []string{})
}

func TestRunnerClosesStdin(t *testing.T) {
	proc, err := shellRunner().Spawn(context.Background(), []string{"-c", `read line; echo "read:$?"; echo "Success!"`})
	require.NoError(t, err)

	out, err := io.ReadAll(proc.Stdout())
	require.NoError(t, err)

	code, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "read:1\nSuccess!\n", string(out))
}

func TestRunnerReportsExitCode(t *testing.T) {
	proc, err := shellRunner().Spawn(context.Background(), []string{"-c", "echo oops >&2; exit 3"})
	require.NoError(t, err)

	out, err := io.ReadAll(proc.Stdout())
	require.NoError(t, err)
	assert.Empty(t, out, "stderr must not reach stdout")

	code, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	again, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, again)
}

func TestRunnerKill(t *testing.T) {
	proc, err := shellRunner().Spawn(context.Background(), []string{"-c", "sleep 30"})
	require.NoError(t, err)
	assert.Positive(t, proc.Pid())

	require.NoError(t, proc.Kill())
	io.Copy(io.Discard, proc.Stdout())

	code, err := proc.Wait()
	require.NoError(t, err)
	assert.NotEqual(t, 0, code)
}

func TestRunnerSpawnFailure(t *testing.T) {
	_, err := NewRunner("/nonexistent/steamcmd.sh", []string{}).Spawn(context.Background(), nil)
	require.ErrorIs(t, err, ErrSpawnFailed)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "/nonexistent/steamcmd.sh", spawnErr.Path)
}

func TestRunnerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := shellRunner().Spawn(ctx, []string{"-c", "true"})
	require.ErrorIs(t, err, ErrSpawnFailed)
	assert.ErrorIs(t, err, context.Canceled)
}
