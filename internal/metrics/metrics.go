// Package metrics provides Prometheus instrumentation for the realtime
// server. It exposes gauges for connection, room, and typing state, counters
// for routed events and delivery failures, and a histogram for routing
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsPerChannel tracks live WebSocket connections per logical
	// channel.
	ConnectionsPerChannel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rt_connections",
		Help: "Current number of live WebSocket connections per channel",
	}, []string{"channel"})

	// OnlineUsers tracks distinct users holding at least one live connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_online_users",
		Help: "Current number of distinct online users",
	})

	// EventsRouted counts routed client events, labeled by event type and
	// routing outcome: "delivered", "partial", or "dropped".
	EventsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_events_routed_total",
		Help: "Total number of client events routed",
	}, []string{"type", "outcome"})

	// DeliveryFailures counts individual recipient writes that failed.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rt_delivery_failures_total",
		Help: "Total number of failed event deliveries to individual recipients",
	})

	// ActiveRooms tracks the current number of live call rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_active_rooms",
		Help: "Current number of active call rooms",
	})

	// TypingActive tracks the current number of live typing entries.
	TypingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_typing_active",
		Help: "Current number of active typing indicators",
	})

	// Evictions counts connections the liveness supervisor removed, labeled
	// by reason: "idle", "ping_failed", or "dead".
	Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_evictions_total",
		Help: "Total number of connections evicted by the liveness supervisor",
	}, []string{"reason"})

	// RouteDuration records end-to-end event routing latency in seconds.
	RouteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rt_route_duration_seconds",
		Help:    "Event routing latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// BridgeMessages counts events crossing the NATS bridge, labeled by
	// direction: "in" or "out".
	BridgeMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_bridge_messages_total",
		Help: "Total number of events exchanged over the instance bridge",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsPerChannel,
		OnlineUsers,
		EventsRouted,
		DeliveryFailures,
		ActiveRooms,
		TypingActive,
		Evictions,
		RouteDuration,
		BridgeMessages,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
