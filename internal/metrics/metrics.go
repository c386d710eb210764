// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the daemon. Collectors
// are registered on a private registry so tests can create isolated
// instances without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	JobsPending    prometheus.Gauge
	JobsProcessing prometheus.Gauge
	JobsCompleted  prometheus.Counter
	JobsFailed     prometheus.Counter

	WorkersTotal prometheus.Gauge
	WorkersBusy  prometheus.Gauge

	RadioListeners prometheus.Gauge
	TVViewers      prometheus.Gauge

	PluginHealthy *prometheus.GaugeVec
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		JobsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "media_jobs_pending",
			Help: "Number of jobs waiting in the queue",
		}),
		JobsProcessing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "media_jobs_processing",
			Help: "Number of jobs currently being processed",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "media_jobs_completed_total",
			Help: "Total number of jobs that completed successfully",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "media_jobs_failed_total",
			Help: "Total number of jobs that failed",
		}),

		WorkersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "media_workers_total",
			Help: "Number of configured job workers",
		}),
		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "media_workers_busy",
			Help: "Number of workers currently processing a job",
		}),

		RadioListeners: factory.NewGauge(prometheus.GaugeOpts{
			Name: "media_radio_listeners_total",
			Help: "Number of connected radio listeners across all channels",
		}),
		TVViewers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "media_tv_viewers_total",
			Help: "Number of connected TV viewers across all channels",
		}),

		PluginHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "media_plugin_healthy",
			Help: "Plugin health status (1 healthy, 0 unhealthy)",
		}, []string{"plugin"}),
	}
}

// Handler returns an HTTP handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetPluginHealth records the health probe result for a plugin.
func (m *Metrics) SetPluginHealth(plugin string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.PluginHealthy.WithLabelValues(plugin).Set(v)
}

// RemovePlugin drops the health series for an unloaded plugin.
func (m *Metrics) RemovePlugin(plugin string) {
	m.PluginHealthy.DeleteLabelValues(plugin)
}
