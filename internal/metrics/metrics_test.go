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

func TestCounters(t *testing.T) {
	m := New()
	m.Escalation("escalated")
	m.Escalation("escalated")
	m.Escalation("failed")
	m.Transition("process")
	m.Sweep(time.Second, map[string]int{"overdue": 2})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.escalations.WithLabelValues("escalated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.escalations.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.openAssignments.WithLabelValues("overdue")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "auditflow_transitions_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Escalation("escalated")
	m.Reminder()
	m.Sweep(time.Second, nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
