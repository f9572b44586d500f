package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"sequence-engine/internal/models"
	"sequence-engine/internal/telemetry"
)

// DueStepFinder discovers steps ready to execute. The Postgres store
// satisfies it; tests inject a fake.
type DueStepFinder interface {
	DueSteps(ctx context.Context, limit int) ([]models.DueStep, error)
}

// Enqueuer submits a job under a dedup key. Enqueued=false means the key is
// already in flight, which the scheduler counts as success.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobKey string, payload []byte) (bool, error)
}

// Scheduler polls for due steps on a fixed interval and submits one job per
// step. It never exits on a poll failure; a step stays due until processed,
// so the next tick picks it up again.
type Scheduler struct {
	finder   DueStepFinder
	queue    Enqueuer
	interval time.Duration
	batch    int
	log      *slog.Logger
}

func New(finder DueStepFinder, q Enqueuer, interval time.Duration, batch int, log *slog.Logger) *Scheduler {
	return &Scheduler{
		finder:   finder,
		queue:    q,
		interval: interval,
		batch:    batch,
		log:      log,
	}
}

// Run polls once immediately, then on every tick, until context
// cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	due, err := s.finder.DueSteps(ctx, s.batch)
	if err != nil {
		s.log.ErrorContext(ctx, "due-step poll failed", slog.Any("error", err))
		return
	}
	if len(due) == 0 {
		return
	}
	telemetry.DueStepsFound.Add(float64(len(due)))

	for _, d := range due {
		payload, err := json.Marshal(d)
		if err != nil {
			s.log.ErrorContext(ctx, "marshal due step", slog.String("job_key", d.JobKey()), slog.Any("error", err))
			continue
		}
		enqueued, err := s.queue.Enqueue(ctx, d.JobKey(), payload)
		if err != nil {
			s.log.ErrorContext(ctx, "enqueue failed", slog.String("job_key", d.JobKey()), slog.Any("error", err))
			continue
		}
		if !enqueued {
			// A previous poll already queued this exact step.
			telemetry.EnqueueDeduped.Inc()
			continue
		}
		telemetry.StepsEnqueued.Inc()
	}
}
