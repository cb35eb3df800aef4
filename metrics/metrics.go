// Package metrics exposes the Prometheus collectors reporting task, run,
// model and tool activity. All methods are safe on a nil *Metrics so
// components can treat metrics as optional.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskmesh"

// Metrics bundles the collectors shared by the orchestrator, gateway,
// registry and consent gate.
type Metrics struct {
	tasksTotal        *prometheus.CounterVec
	tasksActive       prometheus.Gauge
	runsTotal         *prometheus.CounterVec
	runRetries        prometheus.Counter
	modelCallDuration *prometheus.HistogramVec
	breakerState      *prometheus.GaugeVec
	toolDuration      *prometheus.HistogramVec
	toolRetries       *prometheus.CounterVec
	consentDecisions  *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global Prometheus
// registry. Collectors are created once so repeated construction of
// components never panics on duplicate registration.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew constructs a Metrics instance using the provided registerer. Tests
// pass a fresh prometheus.NewRegistry(). Registration errors other than an
// already registered collector panic, like promauto.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		tasksTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "tasks_total",
			Help: "Tasks that reached a terminal status.",
		}, []string{"status", "reason"})),
		tasksActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "tasks_active",
			Help: "Tasks currently pending or running.",
		})),
		runsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "agent_runs_total",
			Help: "Agent runs by terminal status.",
		}, []string{"status"})),
		runRetries: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "agent_run_retries_total",
			Help: "Agent runs restarted after a transient failure.",
		})),
		modelCallDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "model_call_duration_seconds",
			Help: "Model call latency per backend and outcome.", Buckets: prometheus.DefBuckets,
		}, []string{"backend", "outcome"})),
		breakerState: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "breaker_state",
			Help: "Circuit breaker state per backend (0 closed, 1 open, 2 half-open).",
		}, []string{"backend"})),
		toolDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "registry", Name: "tool_invocation_duration_seconds",
			Help: "Tool invocation latency per tool and outcome.", Buckets: prometheus.DefBuckets,
		}, []string{"tool", "outcome"})),
		toolRetries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "tool_retries_total",
			Help: "Retries of idempotent tool invocations.",
		}, []string{"tool"})),
		consentDecisions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consent", Name: "decisions_total",
			Help: "Consent outcomes by decision and source.",
		}, []string{"decision", "source"})),
	}

	return m
}

// register adds c to reg, reusing an existing collector of the same
// descriptor when one is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// TaskStarted marks a task as active.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksActive.Inc()
}

// TaskFinished records a terminal task status.
func (m *Metrics) TaskFinished(status, reason string) {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
	m.tasksTotal.WithLabelValues(status, reason).Inc()
}

// RunFinished records a terminal agent run status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
}

// RunRetried counts a fresh attempt after a transient failure.
func (m *Metrics) RunRetried() {
	if m == nil {
		return
	}
	m.runRetries.Inc()
}

// ObserveModelCall records a model call against a backend.
func (m *Metrics) ObserveModelCall(backend, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.modelCallDuration.WithLabelValues(backend, outcome).Observe(d.Seconds())
}

// SetBreakerState publishes the breaker state of a backend.
func (m *Metrics) SetBreakerState(backend string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(backend).Set(float64(state))
}

// ObserveToolInvocation records a finalized tool invocation.
func (m *Metrics) ObserveToolInvocation(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolDuration.WithLabelValues(tool, outcome).Observe(d.Seconds())
}

// ToolRetried counts a retry of an idempotent tool.
func (m *Metrics) ToolRetried(tool string) {
	if m == nil {
		return
	}
	m.toolRetries.WithLabelValues(tool).Inc()
}

// ConsentDecided counts a consent outcome. Source is "record", "user" or
// "timeout".
func (m *Metrics) ConsentDecided(decision, source string) {
	if m == nil {
		return
	}
	m.consentDecisions.WithLabelValues(decision, source).Inc()
}
