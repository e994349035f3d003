package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvb_lock_acquisitions_total",
			Help: "Distributed lock acquisition attempts by result",
		},
		[]string{"result"}, // acquired, held, timeout, error
	)

	SemaphoreAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvb_semaphore_acquisitions_total",
			Help: "Distributed semaphore acquisition attempts by result",
		},
		[]string{"name", "result"},
	)

	SemaphoreWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pvb_semaphore_wait_seconds",
			Help:    "Time spent waiting for a semaphore slot",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	ParsingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvb_parsing_runs_total",
			Help: "Pipeline run requests by outcome",
		},
		[]string{"result"}, // dispatched, duplicate, locked, unresolved, error
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pvb_pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
		},
		[]string{"stage", "result"},
	)

	PoisonedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvb_pipeline_poisoned_messages_total",
			Help: "Stage messages moved to the poison topic after exhausting retries",
		},
		[]string{"stage"},
	)

	DiscoveredCodes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pvb_discovered_match_codes_total",
			Help: "Match codes discovered by the source poller",
		},
	)

	SourceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pvb_source_failures_total",
			Help: "Match source polls that failed",
		},
	)

	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvb_webhook_deliveries_total",
			Help: "Webhook deliveries by status",
		},
		[]string{"status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pvb_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
