package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	t.Parallel()
	m := New()
	m.ObserveCycle("success", time.Second)
	m.ObserveCycle("success", time.Second)
	m.ObserveCycle("hard_failure", time.Second)
	m.ObserveEvent("new")
	m.ObservePublish(true, 10*time.Millisecond)
	m.ObservePublish(false, 10*time.Millisecond)
	m.SetCommitted(12, time.Unix(1700000000, 0))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Cycles.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("hard_failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Publishes.WithLabelValues("failed")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.Listed))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.LastSuccess))
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveCycle("success", time.Second)
	m.ObserveEvent("new")
	m.ObservePublish(true, 0)
	m.SetCommitted(1, time.Now())
}

func TestHandler(t *testing.T) {
	t.Parallel()
	m := New()
	m.ObserveEvent("reappeared")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `catalert_notify_events_total{reason="reappeared"} 1`))
}
