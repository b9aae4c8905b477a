package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campus_chat_connections_active",
			Help: "Currently registered WebSocket connections",
		},
	)

	BroadcastDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campus_chat_broadcast_dropped_total",
			Help: "Frames dropped because a connection's send buffer was full",
		},
	)

	// Event metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campus_chat_events_total",
			Help: "Client events handled by the router",
		},
		[]string{"event", "result"}, // result: "ok", "rejected", "panic"
	)

	TypingExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campus_chat_typing_expired_total",
			Help: "Typing signals that expired without an explicit stop",
		},
	)

	// Persistence metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campus_chat_messages_persisted_total",
			Help: "Messages handed to the message store",
		},
		[]string{"result"}, // "ok", "retried", "failed"
	)

	PersistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campus_chat_persist_duration_seconds",
			Help:    "Time to hand a message to the message store, retries included",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
)

// Event result labels.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultPanic    = "panic"
	ResultRetried  = "retried"
	ResultFailed   = "failed"
)
