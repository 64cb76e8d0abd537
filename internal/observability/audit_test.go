package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditLogger(&buf)

	audit.RecordSignal(context.Background(), "completed", "session-1", map[string]interface{}{
		"seq": 2,
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "lifecycle", entry["type"])
	assert.Equal(t, "session-1", entry["actor"])
	assert.Equal(t, "signal:completed", entry["action"])
	assert.Equal(t, "success", entry["status"])
	assert.EqualValues(t, 2, entry["seq"])
}

func TestAuditLogger_NilSafe(t *testing.T) {
	var audit *AuditLogger
	assert.NotPanics(t, func() {
		audit.RecordTool(context.Background(), "echo", "s", "success", nil)
	})
	assert.NoError(t, audit.Close())
}

func TestOpenAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	audit, err := OpenAuditLog(path)
	require.NoError(t, err)
	audit.RecordTool(context.Background(), "ask_human", "session-1", "success", nil)
	require.NoError(t, audit.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "execute:ask_human"))
}
