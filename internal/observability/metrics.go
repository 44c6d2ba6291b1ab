package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	dispatchDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	actionDurationBuckets   = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// Instance lifecycle
	InstanceStartsTotal      *prometheus.CounterVec
	InstanceCompletionsTotal *prometheus.CounterVec
	ActiveInstances          *prometheus.GaugeVec

	// Node dispatch
	NodeDispatchesTotal  *prometheus.CounterVec
	NodeDispatchDuration *prometheus.HistogramVec

	// Tasks
	TasksCreatedTotal   *prometheus.CounterVec
	TasksCompletedTotal *prometheus.CounterVec
	TasksOverdue        prometheus.Gauge

	// Service task actions
	ActionInvocationsTotal *prometheus.CounterVec
	ActionDuration         *prometheus.HistogramVec

	// Tokens
	TokensSpawnedTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InstanceStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_instance_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"workflow_id"}),
		InstanceCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_instance_completions_total",
			Help: "Total number of workflow instances reaching a terminal status.",
		}, []string{"workflow_id", "final_status"}),
		ActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gantry_active_instances",
			Help: "Number of running workflow instances.",
		}, []string{"workflow_id"}),

		NodeDispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_node_dispatches_total",
			Help: "Total number of node dispatches.",
		}, []string{"node_type"}),
		NodeDispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gantry_node_dispatch_duration_seconds",
			Help:    "Node dispatch duration in seconds.",
			Buckets: dispatchDurationBuckets,
		}, []string{"node_type"}),

		TasksCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_tasks_created_total",
			Help: "Total number of user tasks created.",
		}, []string{"workflow_id"}),
		TasksCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_tasks_completed_total",
			Help: "Total number of user tasks completed or cancelled.",
		}, []string{"workflow_id", "status"}),
		TasksOverdue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gantry_tasks_overdue",
			Help: "Number of pending tasks past their due date at last sweep.",
		}),

		ActionInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_action_invocations_total",
			Help: "Total number of service task action invocations.",
		}, []string{"action", "status"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gantry_action_duration_seconds",
			Help:    "Service task action duration in seconds.",
			Buckets: actionDurationBuckets,
		}, []string{"action"}),

		TokensSpawnedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_tokens_spawned_total",
			Help: "Total number of execution tokens created.",
		}, []string{"workflow_id"}),
	}

	reg.MustRegister(
		m.InstanceStartsTotal,
		m.InstanceCompletionsTotal,
		m.ActiveInstances,
		m.NodeDispatchesTotal,
		m.NodeDispatchDuration,
		m.TasksCreatedTotal,
		m.TasksCompletedTotal,
		m.TasksOverdue,
		m.ActionInvocationsTotal,
		m.ActionDuration,
		m.TokensSpawnedTotal,
	)

	return m
}

// Handler returns the Prometheus scrape handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}
