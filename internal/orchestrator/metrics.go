package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// Metrics exposes Prometheus collectors that report task activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	retries     *prometheus.CounterVec
	stale       *prometheus.CounterVec
	active      prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the metrics instance registered with the global
// Prometheus registry. The collectors are created only once.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors that are already registered are reused; any other registration
// error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpilot",
			Name:      "task_transitions_total",
			Help:      "Committed task status transitions.",
		},
		[]string{"from", "to"},
	)
	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpilot",
			Name:      "delegation_attempts_total",
			Help:      "Delegation attempts by stage and result.",
		},
		[]string{"stage", "result"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpilot",
			Name:      "external_call_retries_total",
			Help:      "Retries of calls to the agent client or workspace provisioner.",
		},
		[]string{"dependency"},
	)
	stale := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpilot",
			Name:      "stale_callbacks_total",
			Help:      "Execution callbacks dropped because the delegation was over or superseded.",
		},
		[]string{"signal"},
	)
	active := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskpilot",
			Name:      "delegations_active",
			Help:      "Delegations currently watched by the execution monitor.",
		},
	)

	collectors := []prometheus.Collector{transitions, attempts, retries, stale, active}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch collector {
			case transitions:
				transitions = already.ExistingCollector.(*prometheus.CounterVec)
			case attempts:
				attempts = already.ExistingCollector.(*prometheus.CounterVec)
			case retries:
				retries = already.ExistingCollector.(*prometheus.CounterVec)
			case stale:
				stale = already.ExistingCollector.(*prometheus.CounterVec)
			case active:
				active = already.ExistingCollector.(prometheus.Gauge)
			}
		}
	}

	return &Metrics{
		transitions: transitions,
		attempts:    attempts,
		retries:     retries,
		stale:       stale,
		active:      active,
	}
}

// IncTransition counts a committed status change.
func (m *Metrics) IncTransition(from, to scheduler.Status) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// IncAttempt counts a delegation stage outcome ("ok" or "error").
func (m *Metrics) IncAttempt(stage, result string) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(stage, result).Inc()
}

// IncRetry counts a retried external call.
func (m *Metrics) IncRetry(dependency string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(dependency).Inc()
}

// IncStale counts a dropped execution callback.
func (m *Metrics) IncStale(signal string) {
	if m == nil || m.stale == nil {
		return
	}
	m.stale.WithLabelValues(signal).Inc()
}

// IncActive marks a delegation as watched.
func (m *Metrics) IncActive() {
	if m == nil || m.active == nil {
		return
	}
	m.active.Inc()
}

// DecActive marks a watcher as finished.
func (m *Metrics) DecActive() {
	if m == nil || m.active == nil {
		return
	}
	m.active.Dec()
}
