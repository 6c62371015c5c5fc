package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkflowInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finflow_workflow_invocations_total",
			Help: "Total number of agent workflow invocations by action and status",
		},
		[]string{"agent_id", "action", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finflow_workflow_duration_seconds",
			Help:    "Agent workflow invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent_id", "action"},
	)

	ApprovalsDecided = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finflow_approvals_decided_total",
			Help: "Total number of approval decisions by outcome",
		},
		[]string{"action_type", "outcome"},
	)

	IssuanceAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finflow_issuance_attempts_total",
			Help: "Total number of fiscal provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	InvoicesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finflow_invoices_issued_total",
			Help: "Total number of invoices recorded by issuance mode",
		},
		[]string{"mode"},
	)

	OutboxEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finflow_outbox_events_total",
			Help: "Total number of relayed outbox events by type and status",
		},
		[]string{"event_type", "status"},
	)

	QueueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finflow_queue_messages_total",
			Help: "Total number of execution queue messages by result",
		},
		[]string{"result"},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finflow_alerts_created_total",
			Help: "Total number of monitor alerts by rule type and severity",
		},
		[]string{"rule_type", "severity"},
	)

	MonitorRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finflow_monitor_run_duration_seconds",
			Help:    "Monitor pass duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"kind"},
	)

	MonitorClientsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "finflow_monitor_clients_failed_total",
			Help: "Total number of clients skipped because their data could not be fetched",
		},
	)

	Backlog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "finflow_backlog",
			Help: "Number of rows waiting on a human or a relay",
		},
		[]string{"queue"},
	)
)
