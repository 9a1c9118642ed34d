// Package metrics holds the Prometheus collectors of the engine and the
// deadline monitor. A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	instancesStarted  prometheus.Counter
	instancesFinished *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	transitionErrors  *prometheus.CounterVec
	sweeps            prometheus.Counter
	sweepDuration     prometheus.Histogram
	escalations       *prometheus.CounterVec
	reminders         prometheus.Counter
	notifications     *prometheus.CounterVec
	openAssignments   *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		instancesStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "auditflow_instances_started_total",
			Help: "Workflow instances started",
		}),
		instancesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditflow_instances_finished_total",
			Help: "Workflow instances that reached a terminal status",
		}, []string{"status"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditflow_transitions_total",
			Help: "Nodes entered by the execution engine",
		}, []string{"node_type"}),
		transitionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditflow_transition_errors_total",
			Help: "Advance attempts rolled back by an error",
		}, []string{"kind"}),
		sweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "auditflow_deadline_sweeps_total",
			Help: "Deadline monitor passes",
		}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "auditflow_deadline_sweep_duration_seconds",
			Help:    "Deadline monitor pass duration",
			Buckets: prometheus.DefBuckets,
		}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditflow_escalations_total",
			Help: "Escalation attempts by result",
		}, []string{"result"}),
		reminders: f.NewCounter(prometheus.CounterOpts{
			Name: "auditflow_reminders_total",
			Help: "Approaching-deadline reminders sent",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditflow_notifications_total",
			Help: "Notification dispatches by type and result",
		}, []string{"type", "result"}),
		openAssignments: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "auditflow_open_assignments",
			Help: "Open assignments seen by the last sweep, by deadline class",
		}, []string{"class"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) InstanceStarted() {
	if m != nil {
		m.instancesStarted.Inc()
	}
}

func (m *Metrics) InstanceFinished(status string) {
	if m != nil {
		m.instancesFinished.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Transition(nodeType string) {
	if m != nil {
		m.transitions.WithLabelValues(nodeType).Inc()
	}
}

func (m *Metrics) TransitionError(kind string) {
	if m != nil {
		m.transitionErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Sweep(d time.Duration, classes map[string]int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepDuration.Observe(d.Seconds())
	for class, n := range classes {
		m.openAssignments.WithLabelValues(class).Set(float64(n))
	}
}

func (m *Metrics) Escalation(result string) {
	if m != nil {
		m.escalations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Reminder() {
	if m != nil {
		m.reminders.Inc()
	}
}

func (m *Metrics) Notification(typ, result string) {
	if m != nil {
		m.notifications.WithLabelValues(typ, result).Inc()
	}
}
