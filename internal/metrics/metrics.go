// Package metrics exposes admission counters behind a narrow Recorder
// interface so the engine stays testable without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder observes engine events.
type Recorder interface {
	// Decision records an admission outcome: allow, deny, fail_open or fail_closed.
	Decision(outcome string)
	// StoreFault records a counter-store failure by taxonomy kind.
	StoreFault(kind string)
	// ResetOutcome records a post-response reset attempt: ok, error or skipped.
	ResetOutcome(result string)
}

// Noop discards all observations.
type Noop struct{}

func (Noop) Decision(string)     {}
func (Noop) StoreFault(string)   {}
func (Noop) ResetOutcome(string) {}

// Prometheus records engine events into prometheus counters.
type Prometheus struct {
	decisions   *prometheus.CounterVec
	storeFaults *prometheus.CounterVec
	resets      *prometheus.CounterVec
}

// NewPrometheus registers the collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeep",
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),
		storeFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeep",
			Name:      "store_faults_total",
			Help:      "Counter store failures by error kind.",
		}, []string{"kind"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeep",
			Name:      "resets_total",
			Help:      "Post-response counter resets by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(p.decisions, p.storeFaults, p.resets)
	return p
}

func (p *Prometheus) Decision(outcome string) {
	p.decisions.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) StoreFault(kind string) {
	p.storeFaults.WithLabelValues(kind).Inc()
}

func (p *Prometheus) ResetOutcome(result string) {
	p.resets.WithLabelValues(result).Inc()
}
