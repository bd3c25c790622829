package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "packager"

var (
	once sync.Once

	JobsCreated  = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_created_total", Help: "Jobs created, by type"}, []string{"type"})
	JobsRetried  = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_retried_total", Help: "Jobs reset to QUEUED by retry"})
	JobsFinished = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_finished_total", Help: "Sweeps that ended with every task FINISHED"})
	JobsErred    = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_erred_total", Help: "Sweeps that left at least one task unfinished"})

	TasksFinished = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tasks_finished_total", Help: "Tasks that produced a zipball"})
	TasksFailed   = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "tasks_failed_total", Help: "Tasks marked FAILED, by reason"}, []string{"reason"})
	TaskDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Time spent processing one task",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"type"})

	DeadLetters      = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_dead_letter_total", Help: "Dispatch messages moved to the DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "queue_depth", Help: "Ready dispatch messages"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "messages_inflight", Help: "Dispatch messages currently leased"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_rejects_total", Help: "Job creations rejected by the rate limiter"})
)

// Failure reasons used as the tasks_failed_total label.
const (
	ReasonInvalidTarget = "invalid_target"
	ReasonHandle        = "handle"
	ReasonResult        = "result"
	ReasonPanic         = "panic"
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsRetried,
			JobsFinished,
			JobsErred,
			TasksFinished,
			TasksFailed,
			TaskDuration,
			DeadLetters,
			QueueDepthGauge,
			InFlightGauge,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
