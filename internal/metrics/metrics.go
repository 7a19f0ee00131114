// Package metrics exposes the server's Prometheus instrumentation: gauges
// and counters tracking the agent population and the wire traffic flowing
// between monitorserver and its connected agents.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedAgents tracks the number of agents currently holding a live
	// outbound connection (active or passive).
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_connected_agents",
		Help: "Number of agents with a live connection to the server.",
	})

	// KnownAgents tracks the total size of the directory, online or offline.
	KnownAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_known_agents",
		Help: "Number of agents known to the directory, regardless of connection state.",
	})

	// MessagesReceived counts inbound wire messages by message type.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_messages_received_total",
		Help: "Number of wire messages received from agents, by message type.",
	}, []string{"type"})

	// MessagesSent counts outbound wire messages by message type.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_messages_sent_total",
		Help: "Number of wire messages sent to agents, by message type.",
	}, []string{"type"})

	// OfflineAlerts counts alerts raised for agents that missed their
	// heartbeat deadline.
	OfflineAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_offline_alerts_total",
		Help: "Number of offline alerts raised by the alert tick.",
	})

	// HandshakeFailures counts connections that failed the ECIES handshake
	// or were dropped before completing it.
	HandshakeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_handshake_failures_total",
		Help: "Number of inbound connections that failed to complete the handshake.",
	})

	// ShellSessions tracks the number of live shell-bridge sessions.
	ShellSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_shell_sessions",
		Help: "Number of active shell-bridge sessions.",
	})
)
