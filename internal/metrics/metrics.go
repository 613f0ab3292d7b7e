// Package metrics turns pipeline events into Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ekisa-team/lotabots/internal/event"
)

const namespace = "lotabots"

// Metrics is an event.Publisher that records pipeline metrics on its own
// registry.
type Metrics struct {
	registry *prometheus.Registry

	stageDuration  *prometheus.HistogramVec
	runsTotal      *prometheus.CounterVec
	fallbacksTotal *prometheus.CounterVec
	cacheHitsTotal *prometheus.CounterVec
	inflight       prometheus.Gauge
}

// New creates a Metrics with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
			},
			[]string{"stage", "outcome"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Total number of finished pipeline runs",
			},
			[]string{"outcome"},
		),
		fallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "fallbacks_total",
				Help:      "Total accelerator to CPU fallbacks",
			},
			[]string{"from"},
		),
		cacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total artifacts reused from the cache",
			},
			[]string{"stage"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "inflight_runs",
				Help:      "Pipeline runs in progress",
			},
		),
	}

	m.registry.MustRegister(m.stageDuration, m.runsTotal, m.fallbacksTotal, m.cacheHitsTotal, m.inflight)
	return m
}

// Registry returns the registry the metrics are recorded on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Publish implements event.Publisher.
func (m *Metrics) Publish(e event.Event) {
	switch e.Name {
	case event.StageCompleted:
		m.observeStage(e, "success")
	case event.StageFailed:
		m.observeStage(e, "failure")
	case event.RunDone:
		m.runsTotal.WithLabelValues("done").Inc()
	case event.RunFailed:
		m.runsTotal.WithLabelValues("failed").Inc()
	case event.RunCanceled:
		m.runsTotal.WithLabelValues("canceled").Inc()
	case event.DeviceFallback:
		m.fallbacksTotal.WithLabelValues(label(e.Fields["from"])).Inc()
	case event.CacheHit:
		m.cacheHitsTotal.WithLabelValues(label(e.Fields["stage"])).Inc()
	case event.StateChanged:
		from, _ := e.Fields["from"].(string)
		to, _ := e.Fields["to"].(string)
		switch {
		case from == "start" && to != "failed":
			m.inflight.Inc()
		case from != "start" && (to == "done" || to == "failed"):
			m.inflight.Dec()
		}
	}
}

func (m *Metrics) observeStage(e event.Event, outcome string) {
	secs, ok := e.Fields["duration_seconds"].(float64)
	if !ok {
		return
	}
	m.stageDuration.WithLabelValues(label(e.Fields["stage"]), outcome).Observe(secs)
}

func label(v any) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return "unknown"
	}
	return s
}
