// Package metrics holds the Prometheus collectors of the chat server.
//
// Collectors register on the Registerer passed to New so that tests can use
// an isolated registry per instance.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// ActiveConnections tracks open sockets.
	// Labels: kind (incident|monitor)
	ActiveConnections *prometheus.GaugeVec

	// SessionsRejected counts handshakes closed before reaching the open state.
	// Labels: reason (authentication|authorization|not_found|internal)
	SessionsRejected *prometheus.CounterVec

	// EventsDelivered counts frames queued to local sockets.
	// Labels: type, source (local|remote)
	EventsDelivered *prometheus.CounterVec

	// DeliveryFailures counts frames that could not be queued.
	// Labels: reason (closed|slow_consumer)
	DeliveryFailures *prometheus.CounterVec

	// BackplaneErrors counts failed backplane operations.
	// Labels: op (publish|subscribe|decode)
	BackplaneErrors *prometheus.CounterVec

	// MessagesPersisted counts Message Store writes.
	// Labels: outcome (ok|error)
	MessagesPersisted *prometheus.CounterVec

	// HTTPRequestDuration measures REST latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trustlink_ws_active_connections",
				Help: "Number of open websocket connections by kind",
			},
			[]string{"kind"},
		),
		SessionsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustlink_ws_sessions_rejected_total",
				Help: "Websocket sessions closed during the handshake by reason",
			},
			[]string{"reason"},
		),
		EventsDelivered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustlink_events_delivered_total",
				Help: "Events queued to local sockets by type and source",
			},
			[]string{"type", "source"},
		),
		DeliveryFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustlink_event_delivery_failures_total",
				Help: "Events that could not be queued to a socket by reason",
			},
			[]string{"reason"},
		),
		BackplaneErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustlink_backplane_errors_total",
				Help: "Failed backplane operations by operation",
			},
			[]string{"op"},
		),
		MessagesPersisted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustlink_messages_persisted_total",
				Help: "Chat message writes by outcome",
			},
			[]string{"outcome"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trustlink_http_request_duration_seconds",
				Help:    "Duration of REST requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
