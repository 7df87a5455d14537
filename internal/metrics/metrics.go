// ABOUTME: Prometheus collectors for the direct-message gateway
// ABOUTME: Package-level promauto metrics plus the /metrics HTTP handler

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Delivery channel
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_messages_sent_total",
			Help: "Total messages persisted and broadcast",
		},
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_send_failures_total",
			Help: "Total failed sends by reason",
		},
		[]string{"reason"}, // validation, store_unavailable, invalid_participant, forbidden, rate_limited
	)

	DuplicateSends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_duplicate_sends_total",
			Help: "Total sends answered from the client id cache without a new broadcast",
		},
	)

	Deliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_deliveries_total",
			Help: "Total live deliveries handed to room members",
		},
	)

	DeliveriesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_deliveries_dropped_total",
			Help: "Total live deliveries dropped because a member buffer was full",
		},
	)

	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dm_send_duration_seconds",
			Help:    "Time to persist and broadcast one message",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Presence
	RoomMembers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dm_room_members",
			Help: "Endpoints currently joined to a room",
		},
	)

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dm_active_rooms",
			Help: "Rooms with at least one joined endpoint",
		},
	)

	// Transport
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dm_websocket_connections",
			Help: "Open WebSocket connections",
		},
	)

	HistoryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_history_requests_total",
			Help: "Total history fetches by outcome",
		},
		[]string{"status"}, // ok, not_found, error
	)
)

// Handler returns the HTTP handler that serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
