// Package metrics holds the Prometheus collectors exported by the scheduler
// and the worker. A nil *Scheduler or *Worker is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scanflow"

// Scheduler collects master-side metrics.
type Scheduler struct {
	dispatched          *prometheus.CounterVec
	dispatchErrors      *prometheus.CounterVec
	results             *prometheus.CounterVec
	unknownResults      prometheus.Counter
	invariantViolations prometheus.Counter
	reclaimed           prometheus.Counter
	permanentFailures   prometheus.Gauge
	instances           *prometheus.GaugeVec
}

// NewScheduler registers the scheduler collectors with reg.
// A nil registerer uses prometheus.DefaultRegisterer.
func NewScheduler(reg prometheus.Registerer) *Scheduler {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Scheduler{
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Step executions sent to workers",
		}, []string{"step"}),
		dispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatch_errors_total",
			Help:      "Dispatch attempts that failed to encode or send",
		}, []string{"step"}),
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "results_total",
			Help:      "Worker results merged into local state, by reported state",
		}, []string{"state"}),
		unknownResults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "unknown_results_total",
			Help:      "Worker results whose execution id is not tracked",
		}),
		invariantViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "invariant_violations_total",
			Help:      "Operations refused because they would break a state invariant",
		}),
		reclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "reclaimed_total",
			Help:      "Stale executions failed locally by the reclaim sweep",
		}),
		permanentFailures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "permanent_failures",
			Help:      "Instances that failed with no retries left",
		}),
		instances: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "instances",
			Help:      "Tracked step instances by derived state",
		}, []string{"state"}),
	}
}

func (m *Scheduler) Dispatched(step string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(step).Inc()
}

func (m *Scheduler) DispatchFailed(step string) {
	if m == nil {
		return
	}
	m.dispatchErrors.WithLabelValues(step).Inc()
}

func (m *Scheduler) Result(state string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(state).Inc()
}

func (m *Scheduler) UnknownResult() {
	if m == nil {
		return
	}
	m.unknownResults.Inc()
}

func (m *Scheduler) InvariantViolation() {
	if m == nil {
		return
	}
	m.invariantViolations.Inc()
}

func (m *Scheduler) Reclaimed() {
	if m == nil {
		return
	}
	m.reclaimed.Inc()
}

func (m *Scheduler) SetPermanentFailures(n int) {
	if m == nil {
		return
	}
	m.permanentFailures.Set(float64(n))
}

// SetInstances replaces the per-state instance gauge with counts.
func (m *Scheduler) SetInstances(counts map[string]int) {
	if m == nil {
		return
	}
	m.instances.Reset()
	for state, n := range counts {
		m.instances.WithLabelValues(state).Set(float64(n))
	}
}

// Worker collects worker-side metrics.
type Worker struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inflight   prometheus.Gauge
	sendErrors prometheus.Counter
}

// NewWorker registers the worker collectors with reg.
// A nil registerer uses prometheus.DefaultRegisterer.
func NewWorker(reg prometheus.Registerer) *Worker {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Worker{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "executions_total",
			Help:      "Step executions finished by this worker",
		}, []string{"step", "state"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "execution_seconds",
			Help:      "Wall time spent executing a step",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"step"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "inflight",
			Help:      "Step executions currently running on this worker",
		}),
		sendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "response_send_errors_total",
			Help:      "Results that could not be sent back after all retries",
		}),
	}
}

// Started marks an execution as in flight.
func (m *Worker) Started() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// Finished records a completed execution and its duration.
func (m *Worker) Finished(step, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.executions.WithLabelValues(step, state).Inc()
	m.duration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Worker) SendFailed() {
	if m == nil {
		return
	}
	m.sendErrors.Inc()
}
