package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/stepflow/internal/config"
	"github.com/harun/stepflow/internal/logger"
	"github.com/harun/stepflow/pkg/agent"
	"github.com/harun/stepflow/pkg/gateway"
	"github.com/harun/stepflow/pkg/session"
	"github.com/harun/stepflow/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func answerWith(text string) agent.Completion {
	return agent.CompletionFunc(func(ctx context.Context, memory []session.Message, tools []toolexecutor.ToolDefinition) (agent.Decision, error) {
		return agent.NewDecision(text, nil), nil
	})
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Logging.AuditFile = "audit.log"
	return cfg
}

// createTestDaemon creates a daemon whose model always answers with text
func createTestDaemon(t *testing.T, text string) (*Daemon, *logger.Logger) {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(testConfig(t), log, WithCompletion(answerWith(text)))
	require.NoError(t, err)

	return d, log
}

func TestNew(t *testing.T) {
	d, _ := createTestDaemon(t, "Results: done")

	assert.NotNil(t, d.Store())
	assert.NotNil(t, d.Bridge())
	assert.NotNil(t, d.Gateway())
	assert.NotNil(t, d.lifecycle)
	assert.NotNil(t, d.scheduler)
	assert.Contains(t, d.Tools().ListTools(), "ask_human")
	assert.Contains(t, d.Tools().ListTools(), "terminate")
	assert.Len(t, d.scheduler.Entries(), 1)
}

func TestNew_Validation(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil, log)
		assert.Error(t, err)
	})

	t.Run("no profiles and no completion", func(t *testing.T) {
		_, err := New(testConfig(t), log)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no AI profiles configured")
	})

	t.Run("provider profiles", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.AI.Profiles = []config.AIProfile{
			{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-test", Priority: 1},
			{ID: "backup", Provider: "openai", APIKey: "sk-test", Priority: 2},
		}
		d, err := New(cfg, log)
		require.NoError(t, err)
		assert.NotNil(t, d.completion)
	})

	t.Run("bad schedule", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Metrics.SessionStatsSchedule = "every now and then"
		_, err := New(cfg, log, WithCompletion(answerWith("Results: x")))
		assert.Error(t, err)
	})
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := createTestDaemon(t, "Results: 42")

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start should fail")

	status := d.Status()
	assert.True(t, status.Running)
	require.NotEmpty(t, status.Addr)

	pidFile := PIDFilePath(d.GetConfig().DataDir)
	pid, err := ReadPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	body, err := json.Marshal(gateway.RPCRequest{
		ID:      "1",
		JSONRPC: "2.0",
		Method:  "session.create",
		Params:  map[string]interface{}{"sessionId": "daemon-test"},
	})
	require.NoError(t, err)
	resp, err := http.Post("http://"+status.Addr+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	signal, err := d.Bridge().Invoke(context.Background(), "daemon-test", "what is the answer?")
	require.NoError(t, err)
	assert.Equal(t, "Results: 42", signal.Content)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.Error(t, d.Stop(ctx), "second stop should fail")

	assert.False(t, d.Status().Running)
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))

	audit, err := os.ReadFile(filepath.Join(d.GetConfig().DataDir, "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(audit), "signal:completed")
}

func TestDaemonStatus(t *testing.T) {
	d, _ := createTestDaemon(t, "Results: ok")

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)
	assert.Empty(t, status.Addr)

	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	time.Sleep(20 * time.Millisecond)
	status = d.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
	assert.Equal(t, 0, status.Sessions)
}

func TestDaemonRun(t *testing.T) {
	d, _ := createTestDaemon(t, "Results: ok")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.Status().Running }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, d.Status().Running)
}

func TestMarkersFromConfig(t *testing.T) {
	markers := MarkersFromConfig(config.MarkersConfig{
		AwaitingInput: "waiting on you",
		FinalAnswer:   "Answer:",
	})

	assert.Equal(t, []string{"waiting on you"}, markers.AwaitingInput)
	assert.Nil(t, markers.Error)
	assert.Equal(t, []string{"Answer:"}, markers.FinalAnswer)
}

func TestReportSessionStats(t *testing.T) {
	d, _ := createTestDaemon(t, "Results: ok")

	_, err := d.Store().GetOrCreate("stats", 2)
	require.NoError(t, err)

	assert.NotPanics(t, d.reportSessionStats)
	assert.Equal(t, 1, d.Status().Sessions)
}

func TestOnConfigChange(t *testing.T) {
	d, _ := createTestDaemon(t, "Results: ok")

	previous := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(previous)

	d.onConfigChange(nil, assert.AnError)
	assert.Equal(t, previous, zerolog.GlobalLevel())

	cfg := config.DefaultConfig()
	cfg.Logging.Level = "warn"
	d.onConfigChange(cfg, nil)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestDaemonHooks(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	cfg := testConfig(t)
	marker := filepath.Join(cfg.DataDir, "hooks.txt")
	cfg.Hooks = config.HooksConfig{
		Enabled: true,
		Hooks: []config.HookConfig{
			{ID: "up", Event: "daemon:startup", Script: "echo up >> " + marker, Enabled: true},
			{ID: "done", Event: "signal:completed", Script: "echo \"$STEPFLOW_HOOK_DATA_SESSION_ID\" >> " + marker, Enabled: true},
			{ID: "down", Event: "daemon:shutdown", Script: "echo down >> " + marker, Enabled: true},
		},
	}

	d, err := New(cfg, log, WithCompletion(answerWith("Results: hooked")))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	_, err = d.Store().GetOrCreate("hooked", 2)
	require.NoError(t, err)
	_, err = d.Bridge().Invoke(context.Background(), "hooked", "go")
	require.NoError(t, err)

	require.NoError(t, d.Stop(context.Background()))

	content, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "up\nhooked\ndown\n", string(content))
}
