package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilManagerIsSafe(t *testing.T) {
	var m *Manager
	m.RecordForward("vocabs", 200)
	m.ObserveBackend("GET", time.Millisecond)
	m.RecordTokenRefresh("ok")
	m.SocketConnected(true)
	m.SocketError("dial")
	m.SocketEvent("notification")
	m.JobOutcome("x", "completed")
	m.StagingCorrupt("exam_data_t1")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New(WithNamespace("test"))
	m.RecordForward("vocabs", 200)
	m.RecordForward("vocabs", 200)
	m.RecordForward("vocabs", 502)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.forwarded.WithLabelValues("vocabs", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.forwarded.WithLabelValues("vocabs", "502")))

	m.SocketConnected(true)
	m.SocketConnected(true)
	m.SocketConnected(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.socketConnected))

	m.StagingCorrupt("exam_data_t1")
	m.StagingCorrupt("fill_in_blank_result_t9")
	m.StagingCorrupt("weird")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stagingCorrupt.WithLabelValues("exam_data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stagingCorrupt.WithLabelValues("fill_in_blank_result")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stagingCorrupt.WithLabelValues("other")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.JobOutcome("fill-in-blank-evaluation-progress", "completed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "vocabdash_jobs_outcomes_total"))
}
