// Package metrics exposes Prometheus collectors for runs, steps and sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "humanbrowse"

// Collector holds the process metrics. All methods are safe on a nil receiver
// so components can run without metrics in tests.
type Collector struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	stepsTotal       *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	policyViolations *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	sessionsCreated  prometheus.Counter
}

// New builds a collector on its own registry, including the Go runtime and
// process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Completed runs by terminal status",
			},
			[]string{"status"},
		),
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Executed steps by kind and status",
			},
			[]string{"kind", "status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Step execution time in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		),
		policyViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Policy violations by kind",
			},
			[]string{"kind"},
		),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions that are not closed",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created since start",
		}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RunFinished counts a run by its terminal status.
func (c *Collector) RunFinished(status string) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(status).Inc()
}

// StepFinished counts one step and observes its duration.
func (c *Collector) StepFinished(kind, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(kind, status).Inc()
	c.stepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// PolicyViolation counts a violation by kind.
func (c *Collector) PolicyViolation(kind string) {
	if c == nil {
		return
	}
	c.policyViolations.WithLabelValues(kind).Inc()
}

// SessionCreated counts a newly allocated session.
func (c *Collector) SessionCreated() {
	if c == nil {
		return
	}
	c.sessionsCreated.Inc()
}

// SetSessionsActive records the number of non-closed sessions.
func (c *Collector) SetSessionsActive(n int) {
	if c == nil {
		return
	}
	c.sessionsActive.Set(float64(n))
}
