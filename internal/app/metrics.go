package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigmax_messages_sent_total",
		Help: "Messages appended to a conversation.",
	})
	securityBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigmax_security_blocks_total",
		Help: "Critical-priority sends rejected by the oracle security check.",
	})
	syncApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigmax_sync_notifications_applied_total",
		Help: "Cross-instance change notifications merged into the local view.",
	})
	syncDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigmax_sync_notifications_dropped_total",
		Help: "Cross-instance change notifications ignored (no session or malformed payload).",
	})
)
