package guildchat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chat sync metrics. Registered on the default registry; the CLI exposes
// them with promhttp when --metrics-addr is set.
var (
	framesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildchat_frames_received_total",
			Help: "Inbound live-channel frames by type",
		},
		[]string{"type"}, // new_message, delete_message, unknown, invalid
	)

	reconnectsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guildchat_reconnects_scheduled_total",
			Help: "Reconnect timers scheduled by the live channel",
		},
	)

	connectionStates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildchat_connection_state_transitions_total",
			Help: "Live channel state transitions by target state",
		},
		[]string{"state"},
	)

	historyFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildchat_history_fetches_total",
			Help: "History page requests by page kind and outcome",
		},
		[]string{"page", "status"}, // page: first/next, status: ok/error
	)

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildchat_messages_sent_total",
			Help: "Outbound message frames by outcome",
		},
		[]string{"status"}, // written, skipped, failed
	)
)

func observeFetch(page string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	historyFetches.WithLabelValues(page, status).Inc()
}
