package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the dice game platform.
//
// Naming convention: namespace_subsystem_name
// - namespace: dicee (application-level grouping)
// - subsystem: websocket, room, lobby, alarm (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, rooms, seated players)
// - Counter: cumulative events (frames processed, alarms fired, errors)
// - Histogram: latency distributions (command processing time)

var (
	// ActiveWebSocketConnections tracks currently open client connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dicee",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the number of live room actors.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dicee",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomOccupants tracks seats plus spectators per room.
	RoomOccupants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dicee",
		Subsystem: "room",
		Name:      "occupants_count",
		Help:      "Number of seated players and spectators in each room",
	}, []string{"room_code", "role"})

	// WebsocketEvents counts processed inbound frames by type and outcome.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicee",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket frames processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration measures time spent inside command handlers.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dicee",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket commands",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// AlarmsFired counts alarm-queue dispatches by kind.
	AlarmsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicee",
		Subsystem: "alarm",
		Name:      "fired_total",
		Help:      "Total alarms dispatched by kind",
	}, []string{"kind"})

	// GamesCompleted counts finished games.
	GamesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dicee",
		Subsystem: "room",
		Name:      "games_completed_total",
		Help:      "Total games played to completion",
	})

	// LobbyPresence tracks distinct players known to the lobby.
	LobbyPresence = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dicee",
		Subsystem: "lobby",
		Name:      "presence_count",
		Help:      "Distinct players currently online in the lobby",
	})

	// CircuitBreakerState reports the storage breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dicee",
		Subsystem: "storage",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicee",
		Subsystem: "storage",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests dropped because the circuit breaker was open",
	}, []string{"dependency"})

	// RateLimitExceeded counts rejected requests per scope.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicee",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by rate limiting",
	}, []string{"endpoint", "scope"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
