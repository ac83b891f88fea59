// Package metrics holds the Prometheus collectors for workflow runs, stages,
// decisions, model calls and trigger processing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "atelier"

var (
	runsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of workflow runs in flight",
		},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of complete workflow runs in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"}, // outcome: ok, error
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of workflow stages in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	stageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Stages that recorded an error in the workflow state",
		},
		[]string{"stage"},
	)

	fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Stages that degraded to a fallback result",
		},
		[]string{"stage"},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Committed decisions by action",
		},
		[]string{"action"},
	)

	tasksCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Tasks created by the act stage",
		},
	)

	modelRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_request_duration_seconds",
			Help:      "Duration of language model API calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	modelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_requests_total",
			Help:      "Language model API calls",
		},
		[]string{"provider", "model", "status"}, // status: success, transient, fatal
	)

	modelTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Tokens consumed by language model calls",
		},
		[]string{"provider", "model", "type"}, // type: input, output
	)

	triggerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_messages_total",
			Help:      "Trigger messages handled by outcome",
		},
		[]string{"result"}, // result: ack, nak, term
	)

	lockContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Runs that could not acquire the per-request lock",
		},
	)

	allMetrics = []prometheus.Collector{
		runsActive,
		runDuration,
		stageDuration,
		stageErrorsTotal,
		fallbacksTotal,
		decisionsTotal,
		tasksCreatedTotal,
		modelRequestDuration,
		modelRequestsTotal,
		modelTokensTotal,
		triggerMessagesTotal,
		lockContentionTotal,
	}
)

// Collectors returns every atelier collector.
func Collectors() []prometheus.Collector {
	return allMetrics
}

// Register adds every atelier collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range allMetrics {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordRunStart records a run entering the orchestrator.
func RecordRunStart() {
	runsActive.Inc()
}

// RecordRunEnd records a finished run.
func RecordRunEnd(outcome string, durationSeconds float64) {
	runsActive.Dec()
	runDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordStage records one stage execution. hadError is true when the stage
// set the workflow error.
func RecordStage(stage string, durationSeconds float64, hadError bool) {
	stageDuration.WithLabelValues(stage).Observe(durationSeconds)
	if hadError {
		stageErrorsTotal.WithLabelValues(stage).Inc()
	}
}

// RecordFallback records a stage degrading to its fallback output.
func RecordFallback(stage string) {
	fallbacksTotal.WithLabelValues(stage).Inc()
}

// RecordDecision records a committed decision.
func RecordDecision(action string) {
	decisionsTotal.WithLabelValues(action).Inc()
}

// RecordTasksCreated adds n newly created tasks.
func RecordTasksCreated(n int) {
	if n > 0 {
		tasksCreatedTotal.Add(float64(n))
	}
}

// RecordModelRequest records a language model API call.
func RecordModelRequest(provider, model, status string, durationSeconds float64) {
	modelRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	modelRequestsTotal.WithLabelValues(provider, model, status).Inc()
}

// RecordModelTokens records token consumption.
func RecordModelTokens(provider, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		modelTokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		modelTokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordTriggerMessage records how a trigger message was settled.
func RecordTriggerMessage(result string) {
	triggerMessagesTotal.WithLabelValues(result).Inc()
}

// RecordLockContention records a run rejected by the per-request lock.
func RecordLockContention() {
	lockContentionTotal.Inc()
}
