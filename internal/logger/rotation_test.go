package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "subdir", "stepflow.log")

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(logFile)
	assert.NoError(t, err)
}

func TestRotatingWriterWrite(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "stepflow.log")

	rw, err := NewRotatingWriter(logFile, 1, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	data := []byte("step completed\n")
	n, err := rw.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "step completed")
}

func TestRotatingWriterRotation(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "stepflow.log")

	rw, err := newRotatingWriter(logFile, 100, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	line := []byte(strings.Repeat("a", 80) + "\n")
	_, err = rw.Write(line)
	require.NoError(t, err)
	_, err = rw.Write(line)
	require.NoError(t, err)

	rotated, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	assert.Len(t, rotated, 1)

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Len(t, content, len(line))
}

func TestRotatingWriterCompress(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "stepflow.log")

	rw, err := newRotatingWriter(logFile, 10, 7, true)
	require.NoError(t, err)
	defer rw.Close()

	_, err = rw.Write([]byte("first line\n"))
	require.NoError(t, err)
	_, err = rw.Write([]byte("second line\n"))
	require.NoError(t, err)

	compressed, err := filepath.Glob(logFile + ".*.gz")
	require.NoError(t, err)
	assert.Len(t, compressed, 1)
}

func TestRotatingWriterClose(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "stepflow.log"), 10, 7, false)
	require.NoError(t, err)

	assert.NoError(t, rw.Close())
	assert.NoError(t, rw.Close())
}

func TestCleanup(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "stepflow.log")

	oldFile := logFile + ".20200101-120000"
	require.NoError(t, os.WriteFile(oldFile, []byte("old log"), 0644))
	oldTime := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
}
