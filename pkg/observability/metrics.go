// Package observability exposes Prometheus metrics for the kernel's
// process lifecycle, resource usage, dispatch, and worker coordination.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProcessesByState tracks live PCB counts per lifecycle state.
	ProcessesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controltower_processes_by_state",
		Help: "Current number of processes in each lifecycle state",
	}, []string{"state"})

	// ProcessTransitions tracks every PCB state transition.
	ProcessTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controltower_process_transitions_total",
		Help: "Total number of PCB state transitions",
	}, []string{"from", "to"})

	// ReadyQueueDepth tracks the scheduler's ready-heap depth.
	ReadyQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "controltower_ready_queue_depth",
		Help: "Current depth of the scheduler's ready queue",
	})

	// QuotaBreaches tracks terminal quota breaches by dimension.
	QuotaBreaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controltower_quota_breaches_total",
		Help: "Total number of quota breaches by dimension",
	}, []string{"reason"})

	// QuotaWarnings tracks soft (80%/soft-timeout) quota warnings.
	QuotaWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controltower_quota_warnings_total",
		Help: "Total number of soft quota warnings emitted",
	}, []string{"pid"})

	// RateLimitRejections tracks sliding-window rejections by window type.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controltower_rate_limit_rejections_total",
		Help: "Total number of requests rejected by the rate limiter",
	}, []string{"window"})

	// DispatchAttempts tracks dispatcher attempts per service and outcome.
	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controltower_dispatch_attempts_total",
		Help: "Total number of dispatch attempts",
	}, []string{"service", "outcome"})

	// DispatchLatency tracks end-to-end dispatch latency per service.
	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "controltower_dispatch_latency_seconds",
		Help:    "Dispatch latency distribution per service",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})

	// ServiceLoad tracks each registered service's current concurrent load.
	ServiceLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controltower_service_current_load",
		Help: "Current concurrent load per registered service",
	}, []string{"service"})

	// InterruptsRaised tracks interrupts raised by kind.
	InterruptsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controltower_interrupts_raised_total",
		Help: "Total number of interrupts raised by kind",
	}, []string{"kind"})

	// WorkerTasksProcessed tracks tasks a worker coordinator has completed.
	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controltower_worker_tasks_processed_total",
		Help: "Total number of tasks processed by a worker",
	}, []string{"worker_id", "outcome"})

	// WorkerInFlight tracks a worker's current in-flight task count.
	WorkerInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controltower_worker_in_flight",
		Help: "Current number of in-flight tasks per worker",
	}, []string{"worker_id"})

	// CheckpointSaves tracks checkpoint save attempts and outcomes.
	CheckpointSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controltower_checkpoint_saves_total",
		Help: "Total number of checkpoint save attempts",
	}, []string{"outcome"})
)
