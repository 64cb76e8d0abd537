package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsHandler_ExposesLoopMetrics(t *testing.T) {
	RecordStep("acted", 10*time.Millisecond)
	RecordSignal("working")
	RecordBusyRejection()
	done := StreamStarted()
	done()
	SetActiveSessions(2)
	RecordToolExecution("echo", time.Millisecond, true)
	RecordCompletion("openai", time.Millisecond, false)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, `steps_total{outcome="acted"}`)
	assert.Contains(t, body, `signals_total{kind="working"}`)
	assert.Contains(t, body, "stream_busy_rejections_total")
	assert.Contains(t, body, "active_sessions 2")
	assert.Contains(t, body, `completion_total{provider="openai",status="error"}`)
}
