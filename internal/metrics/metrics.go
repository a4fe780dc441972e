// Package metrics регистрирует Prometheus-метрики чата (отдаются на /metrics).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chat"

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Open WebSocket connections.",
	})

	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "User identities currently present in the connection registry.",
	})

	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_events_total",
		Help:      "Inbound events by type.",
	}, []string{"type"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_events_dropped_total",
		Help:      "Inbound events dropped before handling, by reason.",
	}, []string{"reason"})

	Acks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "message_acks_total",
		Help:      "Send acknowledgements by final status.",
	}, []string{"status"})

	MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_persisted_total",
		Help:      "Messages written to storage by kind.",
	}, []string{"kind"})

	Emits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "room_emits_total",
		Help:      "Events queued to connections through rooms.",
	})

	EmitsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "room_emits_dropped_total",
		Help:      "Events dropped because a connection send buffer was full or closed.",
	})

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Dispatched commands by action and result.",
	}, []string{"action", "result"})

	GroupTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "group_status_transitions_total",
		Help:      "Derived group status transitions.",
	}, []string{"status"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ws_handler_duration_seconds",
		Help:      "Time spent handling one inbound event.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"type"})

	PushSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_notifications_total",
		Help:      "Web Push deliveries by result.",
	}, []string{"result"})
)
