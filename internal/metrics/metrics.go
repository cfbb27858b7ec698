package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Agent metrics
	AgentsSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_agents_spawned_total",
			Help: "Total number of agents spawned",
		},
		[]string{"role"},
	)

	AgentsTerminated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_agents_terminated_total",
			Help: "Total number of agents terminated",
		},
	)

	AgentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_agent_execution_duration_seconds",
			Help:    "Agent execution duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	// Budget metrics
	TokensAllocated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_tokens_allocated_total",
			Help: "Total tokens allocated to agents",
		},
	)

	TokensConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_tokens_consumed_total",
			Help: "Total tokens consumed by agents",
		},
	)

	TokensReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_tokens_reclaimed_total",
			Help: "Total unused tokens reclaimed by parents",
		},
	)

	BudgetRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_budget_rejections_total",
			Help: "Operations rejected for insufficient budget",
		},
	)

	// Queue metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_messages_sent_total",
			Help: "Total messages enqueued",
		},
	)

	MessagesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_messages_processed_total",
			Help: "Total messages marked processed",
		},
	)

	MessagesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_messages_purged_total",
			Help: "Processed messages removed by retention",
		},
	)

	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_workflows_started_total",
			Help: "Total workflow graphs started",
		},
	)

	WorkflowsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_workflows_finished_total",
			Help: "Total workflow graphs finished",
		},
		[]string{"status"},
	)

	WorkflowNodesSpawned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_workflow_nodes_spawned_total",
			Help: "Total workflow nodes spawned as agents",
		},
	)

	// Poller metrics
	PollerIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_poller_iterations_total",
			Help: "Poller loop iterations",
		},
		[]string{"poller"},
	)

	PollerIterationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_poller_iteration_duration_seconds",
			Help:    "Poller iteration duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"poller"},
	)

	PollerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_poller_errors_total",
			Help: "Errors logged by background pollers",
		},
		[]string{"poller"},
	)

	// Workspace metrics
	WorkspacesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_workspaces_created_total",
			Help: "Total agent workspaces created",
		},
	)

	WorkspacesCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_workspaces_cleaned_total",
			Help: "Workspaces removed by scheduled cleanup",
		},
	)
)
