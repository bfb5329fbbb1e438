package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hostguard"

// Metrics holds all the Prometheus metrics for the agent. Each instance
// owns its registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal        *prometheus.CounterVec
	CyclesSkipped      *prometheus.CounterVec
	CycleDuration      *prometheus.HistogramVec
	CycleBackoff       *prometheus.GaugeVec
	DetectorFailures   *prometheus.CounterVec
	IncidentsOpened    *prometheus.CounterVec
	IncidentsRefired   *prometheus.CounterVec
	IncidentsOpen      prometheus.Gauge
	ActionsTotal       *prometheus.CounterVec
	AgentRunsTotal     *prometheus.CounterVec
	AgentCommandsTotal *prometheus.CounterVec
	AgentLoopsActive   prometheus.Gauge
	DriftChanges       prometheus.Counter
	StorageErrors      prometheus.Counter
	NotifyErrors       prometheus.Counter
}

// New creates the metrics on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Scheduler cycles run, by cycle and result",
		}, []string{"cycle", "result"}),
		CyclesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_skipped_total",
			Help:      "Ticks skipped because the previous run was still in flight",
		}, []string{"cycle"}),
		CycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of scheduler cycles",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"cycle"}),
		CycleBackoff: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_backoff_seconds",
			Help:      "Current extra delay applied to a cycle after storage failures",
		}, []string{"cycle"}),
		DetectorFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_failures_total",
			Help:      "Detector evaluations that failed or panicked",
		}, []string{"detector"}),
		IncidentsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_opened_total",
			Help:      "Incidents opened, by kind and severity",
		}, []string{"kind", "severity"}),
		IncidentsRefired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_refired_total",
			Help:      "Detections folded into an already open incident",
		}, []string{"kind"}),
		IncidentsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "incidents_open",
			Help:      "Incidents currently open",
		}),
		ActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Responder actions, by kind and status",
		}, []string{"kind", "status"}),
		AgentRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Agent loop runs, by final state",
		}, []string{"state"}),
		AgentCommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_commands_total",
			Help:      "Agent loop proposals, by whitelist verdict",
		}, []string{"verdict"}),
		AgentLoopsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_loops_active",
			Help:      "Agent loops currently running",
		}),
		DriftChanges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_changes_total",
			Help:      "Change events emitted by the drift engine",
		}),
		StorageErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "State store or audit sink write failures",
		}),
		NotifyErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_errors_total",
			Help:      "Notification deliveries that failed",
		}),
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCycle records one finished cycle
func (m *Metrics) ObserveCycle(cycle string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CyclesTotal.WithLabelValues(cycle, result).Inc()
	m.CycleDuration.WithLabelValues(cycle).Observe(d.Seconds())
}

// SetBackoff publishes a cycle's current backoff
func (m *Metrics) SetBackoff(cycle string, d time.Duration) {
	m.CycleBackoff.WithLabelValues(cycle).Set(d.Seconds())
}
