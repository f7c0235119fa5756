package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	storeItems       prometheus.Gauge
	storeLookups     *prometheus.CounterVec
	storeEvictions   *prometheus.CounterVec
	hubListeners     prometheus.Gauge
	hubEventsTotal   *prometheus.CounterVec
	taskStatusTotal  *prometheus.CounterVec
	nodeRunsTotal    *prometheus.CounterVec
	nodeRunDuration  *prometheus.HistogramVec
	runOutcomesTotal *prometheus.CounterVec

	retryAttemptsTotal *prometheus.CounterVec
	retryOutcomesTotal *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec

	fanoutResultsTotal *prometheus.CounterVec

	llmCallsTotal    *prometheus.CounterVec
	llmCallDuration  *prometheus.HistogramVec
	providerCooldown *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			storeItems: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "sleuth_store_items",
					Help: "Current number of payloads held by the object store.",
				},
			),
			storeLookups: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sleuth_store_lookups_total",
					Help: "Object store loads by result (hit, miss).",
				},
				[]string{"result"},
			),
			storeEvictions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sleuth_store_evictions_total",
					Help: "Object store removals by reason (capacity, ttl).",
				},
				[]string{"reason"},
			),
			hubListeners: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "sleuth_hub_listeners",
					Help: "Current number of task event listeners.",
				},
			),
			hubEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sleuth_hub_events_total",
					Help: "Events published to the task hub by type.",
				},
				[]string{"type"},
			),
			taskStatusTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sleuth_task_status_changes_total",
					Help: "Task status transitions by target status.",
				},
				[]string{"status"},
			),
			nodeRunsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sleuth_node_runs_total",
					Help: "Workflow node executions by node and status.",
				},
				[]string{"node", "status"},
			),
			nodeRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sleuth_node_run_duration_seconds",
					Help:    "Workflow node execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"node"},
			),
			runOutcomesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sleuth_run_outcomes_total",
					Help: "Workflow runs by outcome.",
				},
				[]string{"outcome"},
			),
			retryAttemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sleuth_retry_attempts_total",
					Help: "Retries scheduled by operation.",
				},
				[]string{"op"},
			),
			retryOutcomesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sleuth_retry_outcomes_total",
					Help: "Retried operations by final outcome.",
				},
				[]string{"op", "outcome"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sleuth_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sleuth_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "sleuth_pool_queue_size",
					Help: "Current queued jobs by pool.",
				},
				[]string{"pool"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sleuth_pool_enqueue_total",
					Help: "Enqueue attempts by pool and result.",
				},
				[]string{"pool", "result"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sleuth_pool_completed_total",
					Help: "Completed jobs by pool and status.",
				},
				[]string{"pool", "status"},
			),
			jobDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sleuth_pool_job_duration_seconds",
					Help:    "Job execution duration in seconds by pool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"pool"},
			),
			fanoutResultsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sleuth_fanout_results_total",
					Help: "Fan-out sub-query results by status (success, error, timeout).",
				},
				[]string{"status"},
			),
			llmCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sleuth_llm_calls_total",
					Help: "LLM generate calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			llmCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sleuth_llm_call_duration_seconds",
					Help:    "LLM generate duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "sleuth_provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"profile"},
			),
		}

		prometheus.MustRegister(
			m.storeItems,
			m.storeLookups,
			m.storeEvictions,
			m.hubListeners,
			m.hubEventsTotal,
			m.taskStatusTotal,
			m.nodeRunsTotal,
			m.nodeRunDuration,
			m.runOutcomesTotal,
			m.retryAttemptsTotal,
			m.retryOutcomesTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.jobDuration,
			m.fanoutResultsTotal,
			m.llmCallsTotal,
			m.llmCallDuration,
			m.providerCooldown,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetStoreItems(count int) {
	getMetrics().storeItems.Set(float64(count))
}

func RecordStoreLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	getMetrics().storeLookups.WithLabelValues(result).Inc()
}

func RecordStoreEviction(reason string, count int) {
	if count <= 0 {
		return
	}
	getMetrics().storeEvictions.WithLabelValues(reason).Add(float64(count))
}

func AddHubListeners(delta int) {
	getMetrics().hubListeners.Add(float64(delta))
}

func RecordHubEvent(eventType string) {
	getMetrics().hubEventsTotal.WithLabelValues(eventType).Inc()
}

func RecordTaskStatus(status string) {
	getMetrics().taskStatusTotal.WithLabelValues(status).Inc()
}

func RecordNodeRun(node string, duration time.Duration, success bool) {
	m := getMetrics()
	m.nodeRunsTotal.WithLabelValues(node, statusLabel(success)).Inc()
	m.nodeRunDuration.WithLabelValues(node).Observe(duration.Seconds())
}

func RecordRunOutcome(outcome string) {
	getMetrics().runOutcomesTotal.WithLabelValues(outcome).Inc()
}

func RecordRetryAttempt(op string) {
	getMetrics().retryAttemptsTotal.WithLabelValues(op).Inc()
}

func RecordRetryOutcome(op, outcome string) {
	getMetrics().retryOutcomesTotal.WithLabelValues(op, outcome).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, status string) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordPoolEnqueue(pool string, accepted bool, queueSize int) {
	m := getMetrics()
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.enqueueTotal.WithLabelValues(pool, result).Inc()
	m.queueSize.WithLabelValues(pool).Set(float64(queueSize))
}

func RecordPoolCompletion(pool string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(pool, statusLabel(success)).Inc()
	m.jobDuration.WithLabelValues(pool).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(pool).Set(float64(queueSize))
}

func RecordFanoutResult(status string) {
	getMetrics().fanoutResultsTotal.WithLabelValues(status).Inc()
}

func RecordLLMCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.llmCallsTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.llmCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(profile string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(profile).Set(value)
}
