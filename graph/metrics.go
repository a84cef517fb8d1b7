package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dshills/duraflow/graph/failure"
)

// Metrics is the Prometheus instrumentation for engine execution, all
// namespaced "duraflow_":
//
//   - runs_in_flight (gauge): runs currently being driven by this engine.
//   - steps_total (counter, labels node/status): completed execution steps.
//   - step_latency_seconds (histogram, labels node/status): per-node
//     execution duration including retries.
//   - retries_total (counter, labels node/category): retry attempts by
//     failure category.
//   - fanout_dispatches_total (counter): fan-out dispatches started.
//   - fanout_degraded_total (counter): joins that completed with failed
//     or missing members.
//   - interrupts_total (counter, label event): interrupt lifecycle events
//     ("suspended", "resumed", "stale_rejected").
//   - checkpoint_puts_total (counter, label outcome): checkpoint writes
//     by outcome ("ok", "conflict", "error").
//
// A nil *Metrics is valid and records nothing, so instrumentation is
// opt-in without nil checks at every call site.
type Metrics struct {
	runsInFlight    prometheus.Gauge
	steps           *prometheus.CounterVec
	stepLatency     *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	fanoutDispatch  prometheus.Counter
	fanoutDegraded  prometheus.Counter
	interrupts      *prometheus.CounterVec
	checkpointPuts  *prometheus.CounterVec
}

// NewMetrics creates and registers all engine metrics with the given
// registry. A nil registry uses prometheus.DefaultRegisterer. Use a
// dedicated registry per engine in tests to avoid duplicate registration.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "duraflow",
			Name:      "runs_in_flight",
			Help:      "Runs currently being driven by this engine.",
		}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duraflow",
			Name:      "steps_total",
			Help:      "Completed execution steps by node and status.",
		}, []string{"node", "status"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "duraflow",
			Name:      "step_latency_seconds",
			Help:      "Per-node execution duration including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"node", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duraflow",
			Name:      "retries_total",
			Help:      "Retry attempts by node and failure category.",
		}, []string{"node", "category"}),
		fanoutDispatch: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "duraflow",
			Name:      "fanout_dispatches_total",
			Help:      "Fan-out dispatches started.",
		}),
		fanoutDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "duraflow",
			Name:      "fanout_degraded_total",
			Help:      "Fan-out joins with failed or missing members.",
		}),
		interrupts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duraflow",
			Name:      "interrupts_total",
			Help:      "Interrupt lifecycle events.",
		}, []string{"event"}),
		checkpointPuts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duraflow",
			Name:      "checkpoint_puts_total",
			Help:      "Checkpoint writes by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.runsInFlight.Inc()
}

func (m *Metrics) runFinished() {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
}

func (m *Metrics) stepObserved(node, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(node, status).Inc()
	m.stepLatency.WithLabelValues(node, status).Observe(elapsed.Seconds())
}

func (m *Metrics) retryObserved(node string, cat failure.Category) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(node, string(cat)).Inc()
}

func (m *Metrics) fanoutObserved(degraded bool) {
	if m == nil {
		return
	}
	m.fanoutDispatch.Inc()
	if degraded {
		m.fanoutDegraded.Inc()
	}
}

func (m *Metrics) interruptObserved(event string) {
	if m == nil {
		return
	}
	m.interrupts.WithLabelValues(event).Inc()
}

func (m *Metrics) checkpointObserved(outcome string) {
	if m == nil {
		return
	}
	m.checkpointPuts.WithLabelValues(outcome).Inc()
}
