package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		found := false
		for _, c := range GetRootCmd().Commands() {
			if c.Name() == "start" {
				found = true
				break
			}
		}
		assert.True(t, found, "start command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "start", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "Start the stepflow daemon service")
	})

	t.Run("refuses when already running", func(t *testing.T) {
		path, dataDir := writeTestConfig(t)
		// Our own pid is alive
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, "stepflow.pid"), []byte(strconv.Itoa(os.Getpid())), 0644))

		_, err := execute(t, "start", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
	})

	t.Run("fails without AI profiles", func(t *testing.T) {
		path, _ := writeTestConfig(t)

		_, err := execute(t, "start", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no AI profiles configured")
	})
}

func TestIsRunning(t *testing.T) {
	t.Run("no pid file", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "nonexistent.pid")
		assert.False(t, isRunning(pidFile))
	})

	t.Run("invalid pid file", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "invalid.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("invalid"), 0644))
		assert.False(t, isRunning(pidFile))
	})
}
