// Package metrics exposes Prometheus counters for generation, simulation and
// audit activity. A nil *Collector is valid and records nothing.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the rtpfuzz metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	Simulations         *prometheus.CounterVec
	SimulationDurations prometheus.Histogram
	SimulationsInFlight prometheus.Gauge
	Assignments         *prometheus.CounterVec
	AuditFindings       *prometheus.CounterVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice against the same registry returns the
// existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	simulations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtpfuzz_simulations_total",
		Help: "Simulated parameter assignments, labeled by verdict.",
	}, []string{"verdict"}), "rtpfuzz_simulations_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtpfuzz_simulation_duration_seconds",
		Help:    "Wall-clock time of one simulation engine call.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	}), "rtpfuzz_simulation_duration_seconds")
	if err != nil {
		return nil, err
	}

	inFlight, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtpfuzz_simulations_in_flight",
		Help: "Simulation engine calls currently running.",
	}), "rtpfuzz_simulations_in_flight")
	if err != nil {
		return nil, err
	}

	assignments, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtpfuzz_assignments_generated_total",
		Help: "Parameter assignments produced by the generator, labeled by combination mode.",
	}, []string{"mode"}), "rtpfuzz_assignments_generated_total")
	if err != nil {
		return nil, err
	}

	findings, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtpfuzz_audit_findings_total",
		Help: "Audit findings emitted, labeled by finding kind.",
	}, []string{"kind"}), "rtpfuzz_audit_findings_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:            gatherer,
		Simulations:         simulations,
		SimulationDurations: durations,
		SimulationsInFlight: inFlight,
		Assignments:         assignments,
		AuditFindings:       findings,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SimulationStarted marks one engine call as running.
func (c *Collector) SimulationStarted() {
	if c == nil {
		return
	}
	c.SimulationsInFlight.Inc()
}

// SimulationFinished records the verdict and duration of one engine call.
func (c *Collector) SimulationFinished(verdict string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.SimulationsInFlight.Dec()
	c.Simulations.WithLabelValues(verdict).Inc()
	c.SimulationDurations.Observe(elapsed.Seconds())
}

// AssignmentsGenerated adds n generated assignments for mode.
func (c *Collector) AssignmentsGenerated(mode string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Assignments.WithLabelValues(mode).Add(float64(n))
}

// FindingsReported adds the per-kind finding counts of one audit.
func (c *Collector) FindingsReported(byKind map[string]int) {
	if c == nil {
		return
	}
	for kind, n := range byKind {
		if n > 0 {
			c.AuditFindings.WithLabelValues(kind).Add(float64(n))
		}
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
