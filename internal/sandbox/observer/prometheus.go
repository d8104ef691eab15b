package observer

import (
	"context"

	"execbox/internal/sandbox/result"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder holds the execbox_ metrics.
type PrometheusRecorder struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	StepDuration      *prometheus.HistogramVec
	LimitBreaches     *prometheus.CounterVec
	PeakMemory        *prometheus.HistogramVec
	ActiveSandboxes   prometheus.Gauge
	ReleaseFailures   prometheus.Counter
	QueueDepth        prometheus.Gauge
	BusyWorkers       prometheus.Gauge
	PoolRejected      prometheus.Counter
	JobsRejected      *prometheus.CounterVec
}

// NewPrometheusRecorder creates and registers sandbox metrics on reg.
// Returns nil if reg is nil.
func NewPrometheusRecorder(reg *prometheus.Registry) *PrometheusRecorder {
	if reg == nil {
		return nil
	}

	m := &PrometheusRecorder{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbox",
			Name:      "executions_total",
			Help:      "Total executions by language and final status.",
		}, []string{"language", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "execbox",
			Name:      "execution_wall_seconds",
			Help:      "Wall time of the run step in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"language"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "execbox",
			Name:      "step_wall_seconds",
			Help:      "Wall time of each sandboxed step in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"language", "step"}),

		LimitBreaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbox",
			Name:      "limit_breaches_total",
			Help:      "Steps terminated by the enforcer, by limit.",
		}, []string{"language", "step", "limit"}),

		PeakMemory: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "execbox",
			Name:      "peak_memory_bytes",
			Help:      "Peak memory of the run step.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 7),
		}, []string{"language"}),

		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "execbox",
			Name:      "active_sandboxes",
			Help:      "Sandboxes provisioned and not yet released.",
		}),

		ReleaseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "execbox",
			Name:      "sandbox_release_failures_total",
			Help:      "Sandbox releases that failed and were logged.",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "execbox",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker slot.",
		}),

		BusyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "execbox",
			Subsystem: "pool",
			Name:      "busy_workers",
			Help:      "Worker slots currently running a job.",
		}),

		PoolRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "execbox",
			Subsystem: "pool",
			Name:      "rejected_total",
			Help:      "Jobs rejected because the queue was full.",
		}),

		JobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbox",
			Subsystem: "intake",
			Name:      "rejected_total",
			Help:      "Jobs rejected before any sandbox work, by error code.",
		}, []string{"code"}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.StepDuration,
		m.LimitBreaches,
		m.PeakMemory,
		m.ActiveSandboxes,
		m.ReleaseFailures,
		m.QueueDepth,
		m.BusyWorkers,
		m.PoolRejected,
		m.JobsRejected,
	)

	return m
}

func (m *PrometheusRecorder) ObserveStep(_ context.Context, language, step string, run result.RunResult) {
	m.StepDuration.WithLabelValues(language, step).Observe(float64(run.WallTimeMs) / 1000)
	limit := run.LimitExceeded
	if limit == result.LimitNone && run.OomKilled {
		limit = result.LimitMemory
	}
	if limit != result.LimitNone {
		m.LimitBreaches.WithLabelValues(language, step, string(limit)).Inc()
	}
}

func (m *PrometheusRecorder) ObserveExecution(_ context.Context, language string, res result.ExecutionResult) {
	m.ExecutionsTotal.WithLabelValues(language, string(res.Status)).Inc()
	if res.Status == result.StatusInternalError || res.Status == result.StatusCompileError {
		return
	}
	m.ExecutionDuration.WithLabelValues(language).Observe(float64(res.WallTimeMs) / 1000)
	if res.PeakMemoryBytes > 0 {
		m.PeakMemory.WithLabelValues(language).Observe(float64(res.PeakMemoryBytes))
	}
}

func (m *PrometheusRecorder) SandboxProvisioned() {
	m.ActiveSandboxes.Inc()
}

func (m *PrometheusRecorder) SandboxReleased(ok bool) {
	m.ActiveSandboxes.Dec()
	if !ok {
		m.ReleaseFailures.Inc()
	}
}

// SetQueueDepth reports the pool backlog.
func (m *PrometheusRecorder) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// SetBusyWorkers reports the number of occupied slots.
func (m *PrometheusRecorder) SetBusyWorkers(n int) {
	m.BusyWorkers.Set(float64(n))
}

// IncPoolRejected counts a submit refused by a full queue.
func (m *PrometheusRecorder) IncPoolRejected() {
	m.PoolRejected.Inc()
}

// IncJobRejected counts a malformed job by error code.
func (m *PrometheusRecorder) IncJobRejected(code string) {
	m.JobsRejected.WithLabelValues(code).Inc()
}
