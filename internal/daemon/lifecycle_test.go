package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	d, _ := createTestDaemon(t, "Results: ok")

	lm := NewLifecycleManager(d)
	assert.NotNil(t, lm)
	assert.Equal(t, d, lm.daemon)
	assert.Equal(t, filepath.Join(d.GetConfig().DataDir, "stepflow.pid"), lm.PIDFile())
}

func TestLifecycleManagerStartStop(t *testing.T) {
	d, _ := createTestDaemon(t, "Results: ok")
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())

	_, err := os.Stat(lm.PIDFile())
	assert.NoError(t, err)
	assert.True(t, lm.IsRunning())

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lm.Stop())

	_, err = os.Stat(lm.PIDFile())
	assert.True(t, os.IsNotExist(err))
	assert.False(t, lm.IsRunning())

	// Removing an absent pid file is not an error
	assert.NoError(t, lm.Stop())
}

func TestLifecycleManagerRefusesLiveOwner(t *testing.T) {
	d, _ := createTestDaemon(t, "Results: ok")
	lm := NewLifecycleManager(d)

	// The parent process is alive and is not us
	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte(strconv.Itoa(os.Getppid())), 0644))

	err := lm.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadPID(filepath.Join(dir, "missing.pid"))
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.pid")
		require.NoError(t, os.WriteFile(path, []byte("invalid"), 0644))
		_, err := ReadPID(path)
		assert.Error(t, err)
		assert.False(t, IsRunning(path))
	})

	t.Run("trailing newline", func(t *testing.T) {
		path := filepath.Join(dir, "newline.pid")
		require.NoError(t, os.WriteFile(path, []byte("1234\n"), 0644))
		pid, err := ReadPID(path)
		require.NoError(t, err)
		assert.Equal(t, 1234, pid)
	})

	t.Run("non-positive", func(t *testing.T) {
		path := filepath.Join(dir, "zero.pid")
		require.NoError(t, os.WriteFile(path, []byte("0"), 0644))
		_, err := ReadPID(path)
		assert.Error(t, err)
	})
}
