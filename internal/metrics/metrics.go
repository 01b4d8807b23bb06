// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Broker connection state, reconnects, and flow-control blocks
//   - Worker counts and work item outcomes
//   - Outbox poll batches and delivery counts
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionUp is 1 while the supervisor holds a live connection.
	ConnectionUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_broker_connection_up",
		Help: "Whether the broker connection is currently established.",
	})

	// ConnectFailures counts failed connection attempts.
	ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_broker_connect_failures_total",
		Help: "Failed broker connection attempts.",
	})

	// Reconnects counts detected connection losses.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_broker_reconnects_total",
		Help: "Connection losses that triggered the reconnect procedure.",
	})

	// Blocked is 1 while the broker has paused publishing.
	Blocked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_broker_blocked",
		Help: "Whether the broker currently blocks publishing.",
	})

	// Workers tracks the number of supervised channel workers.
	Workers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_broker_workers",
		Help: "Number of supervised channel workers.",
	})

	// WorkExecuted counts successfully executed work items.
	WorkExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_worker_work_executed_total",
		Help: "Work items executed successfully.",
	})

	// WorkFailed counts work items whose execution returned an error.
	WorkFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_worker_work_failed_total",
		Help: "Work items that failed during execution.",
	})

	// WorkDropped counts work items rejected under DropPolicy.
	WorkDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_worker_work_dropped_total",
		Help: "Work items dropped while the channel was unavailable or blocked.",
	})

	// OutboxPolled counts rows claimed from the outbox table.
	OutboxPolled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_outbox_polled_total",
		Help: "Outbox rows claimed for delivery.",
	})

	// OutboxDelivered counts rows published and marked delivered.
	OutboxDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_outbox_delivered_total",
		Help: "Outbox rows successfully delivered to the broker.",
	})
)
