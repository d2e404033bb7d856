// Package metrics exposes Prometheus collectors for the backend gateway:
// connection counts per endpoint kind, message throughput, and truncation
// activity. It mirrors the promauto-registration style used throughout the
// example pack's own metrics packages.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the gateway's Prometheus collectors.
type Registry struct {
	registry *prometheus.Registry

	ConnectedProxies    prometheus.Gauge
	ConnectedClients    prometheus.Gauge
	ConnectedLaunchers  prometheus.Gauge
	FramesRouted        *prometheus.CounterVec
	SessionMessagesSent prometheus.Counter
	TruncationRuns      prometheus.Counter
	TruncatedRows       prometheus.Counter
}

// New registers a fresh collector set against its own registry so multiple
// Registry instances (e.g. in tests) never collide on metric names.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,

		ConnectedProxies: factory.NewGauge(prometheus.GaugeOpts{
			Name: "portal_gateway_connected_proxies",
			Help: "Number of ProxyEndpoint WebSocket connections currently registered.",
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "portal_gateway_connected_clients",
			Help: "Number of ClientEndpoint WebSocket connections currently subscribed.",
		}),
		ConnectedLaunchers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "portal_gateway_connected_launchers",
			Help: "Number of LauncherEndpoint WebSocket connections currently registered.",
		}),
		FramesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_gateway_frames_routed_total",
			Help: "Total number of wire frames routed through SessionManager, by frame type.",
		}, []string{"type"}),
		SessionMessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "portal_gateway_session_messages_persisted_total",
			Help: "Total number of session transcript rows persisted.",
		}),
		TruncationRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "portal_gateway_truncation_runs_total",
			Help: "Total number of scheduled truncation sweeps executed.",
		}),
		TruncatedRows: factory.NewCounter(prometheus.CounterOpts{
			Name: "portal_gateway_truncated_rows_total",
			Help: "Total number of message rows deleted by truncation sweeps.",
		}),
	}
}

// Handler returns the HTTP handler that exposes the registry in the
// Prometheus exposition format, meant to be mounted at "/metrics".
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}
