package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("stopped", func(t *testing.T) {
		path, _ := writeTestConfig(t)

		output, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Status: stopped")
	})

	t.Run("running", func(t *testing.T) {
		path, dataDir := writeTestConfig(t)
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, "stepflow.pid"), []byte(strconv.Itoa(os.Getpid())), 0644))

		output, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Status: running")
		assert.Contains(t, output, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, output, "Uptime:")
		assert.Contains(t, output, "Gateway: 127.0.0.1:18089")
	})

	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "status", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "status")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}
