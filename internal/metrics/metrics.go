// Package metrics provides Prometheus instrumentation shared by the hub
// and the endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hub-side peer and routing metrics.
var (
	PeersConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sessionfabric_peers_connected",
		Help: "Number of currently connected peers by role.",
	}, []string{"role"})

	CommandsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionfabric_commands_forwarded_total",
		Help: "Total number of commands forwarded by the hub router.",
	}, []string{"outcome"})

	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionfabric_evictions_total",
		Help: "Total number of identity-collision evictions performed by the hub.",
	})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionfabric_reconnect_attempts_total",
		Help: "Total number of endpoint reconnect attempts.",
	})
)

// WebSocket transport metrics, both sides.
var (
	WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionfabric_ws_messages_total",
		Help: "Total number of WebSocket envelopes exchanged.",
	}, []string{"direction"})
)

// Endpoint-side command execution metrics. Nothing in the repository records
// into them, and the endpoint's health monitor sample does not include them.
var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionfabric_commands_total",
		Help: "Total number of commands dispatched by a scheduler, by outcome.",
	}, []string{"command", "outcome"})

	CommandExecutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sessionfabric_command_execution_seconds",
		Help:    "Command execution time in seconds, by command name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	WorkerPoolInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessionfabric_worker_pool_in_flight",
		Help: "Number of blocking handlers currently executing in the worker pool.",
	})
)
