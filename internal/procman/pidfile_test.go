package procman

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nef-run/nef/internal/protocol"
)

func TestUpdatePidFileWritesWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nef.pid")
	require.NoError(t, UpdatePidFile(path, PidFileOptions{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestUpdatePidFileOverwritesWhenOwnerDead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nef.pid")
	// A pid that is vanishingly unlikely to be alive.
	require.NoError(t, os.WriteFile(path, []byte("999999"), 0o644))
	require.NoError(t, UpdatePidFile(path, PidFileOptions{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

// P7: a live, matching owner refuses takeover unless KillCurrent is set.
func TestUpdatePidFileFailsExistsWhenOwnerLive(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Process.Kill(); _, _ = cmd.Process.Wait() }()

	path := filepath.Join(t.TempDir(), "nef.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644))

	err := UpdatePidFile(path, PidFileOptions{})
	require.Error(t, err)
	perr, ok := err.(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeExists, perr.Code)
}

func TestUpdatePidFileKillsCurrentWhenRequested(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	done := make(chan struct{})
	go func() { _, _ = cmd.Process.Wait(); close(done) }()

	path := filepath.Join(t.TempDir(), "nef.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644))

	require.NoError(t, UpdatePidFile(path, PidFileOptions{KillCurrent: true}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("prior pid file owner was not killed")
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestUpdatePidFileUnreadableContentsOverwritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nef.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))
	require.NoError(t, UpdatePidFile(path, PidFileOptions{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestProcessAliveReportsSelf(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(999999))
}

func TestDefaultVarDirHonorsNefVar(t *testing.T) {
	t.Setenv("NEF_VAR", "/tmp/nef-var-test")
	dir, err := DefaultVarDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/nef-var-test", dir)
}
