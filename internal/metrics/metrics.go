package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for schedflow. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ScansTotal          *prometheus.CounterVec
	ScanMatchesTotal    prometheus.Counter
	ScanWindowSeconds   prometheus.Histogram
	DispatchTotal       *prometheus.CounterVec
	InstanceTransitions *prometheus.CounterVec
	LockTimeoutsTotal   *prometheus.CounterVec
	TasksTotal          *prometheus.CounterVec
	PurgedTotal         *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ScansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schedflow_scans_total",
				Help: "Total number of timeline scans by result",
			},
			[]string{"result"},
		),
		ScanMatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "schedflow_scan_matches_total",
				Help: "Total number of schedule occurrences matched by scans",
			},
		),
		ScanWindowSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "schedflow_scan_window_seconds",
				Help:    "Length of the interval covered by each checkpoint",
				Buckets: []float64{60, 300, 900, 1800, 3600, 4 * 3600, 24 * 3600},
			},
		),
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schedflow_dispatch_total",
				Help: "Total number of delivery attempts by outcome",
			},
			[]string{"state"},
		),
		InstanceTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schedflow_instance_transitions_total",
				Help: "Total number of schedule instance transitions",
			},
			[]string{"transition"},
		),
		LockTimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schedflow_lock_timeouts_total",
				Help: "Total number of lock acquisitions that timed out",
			},
			[]string{"scope"},
		),
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schedflow_tasks_total",
				Help: "Total number of processed queue tasks by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		PurgedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schedflow_purged_rows_total",
				Help: "Total number of rows deleted by retention sweeps",
			},
			[]string{"table"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.ScansTotal,
		m.ScanMatchesTotal,
		m.ScanWindowSeconds,
		m.DispatchTotal,
		m.InstanceTransitions,
		m.LockTimeoutsTotal,
		m.TasksTotal,
		m.PurgedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Scan(result string, matches int, windowSeconds float64) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.ScanMatchesTotal.Add(float64(matches))
		m.ScanWindowSeconds.Observe(windowSeconds)
	}
}

func (m *Metrics) Dispatch(state string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) Transition(name string) {
	if m == nil {
		return
	}
	m.InstanceTransitions.WithLabelValues(name).Inc()
}

func (m *Metrics) LockTimeout(scope string) {
	if m == nil {
		return
	}
	m.LockTimeoutsTotal.WithLabelValues(scope).Inc()
}

func (m *Metrics) Task(taskType, outcome string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(taskType, outcome).Inc()
}

func (m *Metrics) Purged(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.PurgedTotal.WithLabelValues(table).Add(float64(n))
}
