// Package metrics defines the controller's Prometheus collectors. All are
// registered on the default registry and served via /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksFinished counts tasks reaching a terminal status, by status.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drover_tasks_finished_total",
		Help: "Tasks that reached a terminal status.",
	}, []string{"status"})

	// AgentsConnected tracks how many agents are currently online or busy.
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drover_agents_connected",
		Help: "Agents currently connected.",
	})

	// AuditWriteFailures counts audit records that could not be persisted.
	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drover_audit_write_failures_total",
		Help: "Audit records that failed to write.",
	})

	// ObserverDroppedChunks counts output chunks dropped from observer
	// queues under backpressure.
	ObserverDroppedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drover_observer_dropped_chunks_total",
		Help: "Output chunks dropped from observer queues.",
	})

	// CommandsDispatched counts commands sent to agents.
	CommandsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drover_commands_dispatched_total",
		Help: "Commands dispatched to agents.",
	})
)
