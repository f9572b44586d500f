package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DueStepsFound        = prometheus.NewCounter(prometheus.CounterOpts{Name: "sequence_due_steps_total", Help: "Due steps discovered by the scheduler"})
	StepsEnqueued        = prometheus.NewCounter(prometheus.CounterOpts{Name: "sequence_steps_enqueued_total", Help: "Step jobs submitted to the queue"})
	EnqueueDeduped       = prometheus.NewCounter(prometheus.CounterOpts{Name: "sequence_enqueue_deduped_total", Help: "Enqueue attempts collapsed by the job key"})
	EmailsSent           = prometheus.NewCounter(prometheus.CounterOpts{Name: "sequence_emails_sent_total", Help: "Sequence emails dispatched"})
	TasksCreated         = prometheus.NewCounter(prometheus.CounterOpts{Name: "sequence_tasks_created_total", Help: "Follow-up tasks created by task steps"})
	StepsCompleted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "sequence_steps_completed_total", Help: "Step jobs completed successfully"})
	EnrollmentsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "sequence_enrollments_completed_total", Help: "Enrollments that reached their last step"})
	StepRetries          = prometheus.NewCounter(prometheus.CounterOpts{Name: "sequence_step_retries_total", Help: "Step jobs that failed and were scheduled for retry"})
	StepsDeadLettered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sequence_dead_letter_total", Help: "Step jobs moved to the DLQ"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sequence_rate_limit_rejects_total", Help: "Enrollment requests rejected by the rate limiter"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sequence_queue_depth", Help: "Ready queue depth"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sequence_inflight", Help: "Step jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DueStepsFound,
			StepsEnqueued,
			EnqueueDeduped,
			EmailsSent,
			TasksCreated,
			StepsCompleted,
			EnrollmentsCompleted,
			StepRetries,
			StepsDeadLettered,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
