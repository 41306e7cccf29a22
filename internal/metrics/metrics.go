// Package metrics holds the Prometheus collectors for cycles and
// notifications, registered on a private registry served at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "catalert"

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	Cycles         *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	Events         *prometheus.CounterVec
	Publishes      *prometheus.CounterVec
	PublishLatency prometheus.Histogram
	Listed         prometheus.Gauge
	LastSuccess    prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed cycles by final status.",
		}, []string{"status"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_events_total",
			Help:      "Notify events produced by reconciliation.",
		}, []string{"reason"}),
		Publishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Publish outcomes per event.",
		}, []string{"outcome"}),
		PublishLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time from first attempt to final outcome of one event.",
			Buckets:   prometheus.DefBuckets,
		}),
		Listed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listed_animals",
			Help:      "Animals listed after the last committed cycle.",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful commit.",
		}),
	}
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCycle(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(status).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveEvent(reason string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObservePublish(delivered bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	m.Publishes.WithLabelValues(outcome).Inc()
	m.PublishLatency.Observe(d.Seconds())
}

func (m *Metrics) SetCommitted(listed int, at time.Time) {
	if m == nil {
		return
	}
	m.Listed.Set(float64(listed))
	m.LastSuccess.Set(float64(at.Unix()))
}
