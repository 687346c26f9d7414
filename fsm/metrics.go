package fsm

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes StateMachine diagnostics as Prometheus collectors. It is
// optional: a StateMachine created without WithMetrics runs with no
// observability overhead, matching the teacher's pattern of metrics being an
// opt-in collaborator (pkg/p2p/conn_limiter.go takes a *metrics.Registry,
// not a global singleton).
type Metrics struct {
	failedTransitions  prometheus.Counter
	integrityViolations prometheus.Counter
}

// NewMetrics creates fsm metrics registered under the given registerer.
// Pass prometheus.NewRegistry() (or prometheus.DefaultRegisterer) from the
// caller so multiple machines in one process don't collide on metric names
// without distinguishing labels.
func NewMetrics(reg prometheus.Registerer, machineName string) *Metrics {
	m := &Metrics{
		failedTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "polycall",
			Subsystem:   "fsm",
			Name:        "failed_transitions_total",
			Help:        "Number of transitions rejected by their guard or rolled back after a hook failure.",
			ConstLabels: prometheus.Labels{"machine": machineName},
		}),
		integrityViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "polycall",
			Subsystem:   "fsm",
			Name:        "integrity_violations_total",
			Help:        "Number of failed state integrity verifications.",
			ConstLabels: prometheus.Labels{"machine": machineName},
		}),
	}
	reg.MustRegister(m.failedTransitions, m.integrityViolations)
	return m
}
