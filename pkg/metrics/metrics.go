// Package metrics holds the prometheus collectors of the theming pipeline.
//
// Each Metrics owns its registry so tests and multiple servers in one
// process do not collide. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "themeproxy"

// Decision labels for ResponsesTotal.
const (
	DecisionApply       = "apply"
	DecisionPassthrough = "passthrough"
	DecisionError       = "error"
)

// Compile outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Metrics struct {
	registry *prometheus.Registry

	ResponsesTotal           *prometheus.CounterVec
	CompilesTotal            *prometheus.CounterVec
	CompileDurationSeconds   *prometheus.HistogramVec
	TransformDurationSeconds prometheus.Histogram
	TransformedBytesTotal    prometheus.Counter
}

// New creates the collectors and registers them, together with the Go
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ResponsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "responses_total",
				Help:      "Responses seen by the theming middleware, by decision and gate",
			},
			[]string{"decision", "reason"},
		),
		CompilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compiles_total",
				Help:      "Theme compiles, by outcome and failing stage",
			},
			[]string{"outcome", "stage"},
		),
		CompileDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_seconds",
				Help:      "Duration of theme compiles in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5},
			},
			[]string{"outcome"},
		),
		TransformDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transform_duration_seconds",
				Help:      "Duration of applying a compiled theme to one response in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),
		TransformedBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transformed_bytes_total",
				Help:      "Bytes of themed output written",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ResponsesTotal,
		m.CompilesTotal,
		m.CompileDurationSeconds,
		m.TransformDurationSeconds,
		m.TransformedBytesTotal,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveResponse(decision, reason string) {
	if m == nil {
		return
	}
	m.ResponsesTotal.WithLabelValues(decision, reason).Inc()
}

// ObserveCompile records a compile. stage is empty on success.
func (m *Metrics) ObserveCompile(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.CompilesTotal.WithLabelValues(outcome, stage).Inc()
	m.CompileDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveTransform(d time.Duration, outBytes int) {
	if m == nil {
		return
	}
	m.TransformDurationSeconds.Observe(d.Seconds())
	m.TransformedBytesTotal.Add(float64(outBytes))
}
