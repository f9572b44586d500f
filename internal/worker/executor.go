package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sequence-engine/internal/archive"
	"sequence-engine/internal/config"
	"sequence-engine/internal/models"
	"sequence-engine/internal/notify"
	"sequence-engine/internal/queue"
	"sequence-engine/internal/store"
	"sequence-engine/internal/telemetry"
)

// Storage is the slice of the store the executor needs. The concrete
// Postgres store satisfies it; tests inject a fake.
type Storage interface {
	GetEnrollment(ctx context.Context, id string) (models.Enrollment, error)
	GetTemplate(ctx context.Context, id string) (models.EmailTemplate, error)
	GetStep(ctx context.Context, sequenceID string, stepOrder int) (models.SequenceStep, error)
	AdvanceEnrollment(ctx context.Context, id string, completedOrder int, completedAt, nextDueAt time.Time) error
	CompleteEnrollment(ctx context.Context, id string, completedOrder int, completedAt time.Time) error
	StopEnrollment(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, enrollmentID string, stepOrder int, action, detail string) error
	CreateFollowUpTask(ctx context.Context, tenantID, enrollmentID, title string, dueAt time.Time) error
}

// Archiver stores a retention copy of a sent message. Optional.
type Archiver interface {
	Archive(ctx context.Context, msg archive.Message) error
}

// SendLimiter caps outbound sends per tenant. Optional.
type SendLimiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Executor drains the step queue: it leases one job at a time, performs the
// step's side effect, advances the owning enrollment, and appends an audit
// row. Failures go back through the queue; the enrollment row is only
// written after the side effect succeeds, so a retried job replays the whole
// step (at-least-once, duplicate sends accepted).
type Executor struct {
	cfg      config.Config
	queue    *queue.StepQueue
	store    Storage
	mailer   notify.Mailer
	archiver Archiver
	limiter  SendLimiter
	log      *slog.Logger
}

func NewExecutor(cfg config.Config, q *queue.StepQueue, st Storage, mailer notify.Mailer, log *slog.Logger) *Executor {
	return &Executor{
		cfg:    cfg,
		queue:  q,
		store:  st,
		mailer: mailer,
		log:    log,
	}
}

// WithArchiver enables sent-message archiving.
func (e *Executor) WithArchiver(a Archiver) *Executor {
	e.archiver = a
	return e
}

// WithSendLimiter enables the per-tenant outbound send cap.
func (e *Executor) WithSendLimiter(l SendLimiter) *Executor {
	e.limiter = l
	return e
}

// Run drives the execution loop until context cancellation.
func (e *Executor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = e.queue.PromoteScheduled(ctx, time.Now(), int64(e.cfg.DueBatchSize))
		if reclaimed, _ := e.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			e.log.WarnContext(ctx, "reclaimed expired leases", slog.Int("count", len(reclaimed)))
		}
		if depth, err := e.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		job, err := e.queue.DequeueWithLease(ctx)
		if err != nil {
			e.log.ErrorContext(ctx, "dequeue failed", slog.Any("error", err))
			time.Sleep(e.cfg.WorkerPollInterval)
			continue
		}
		if job == nil {
			time.Sleep(e.cfg.WorkerPollInterval)
			continue
		}

		var step models.DueStep
		if err := json.Unmarshal(job.Payload, &step); err != nil {
			// Nothing to retry: the payload will not decode any better
			// next time.
			e.log.ErrorContext(ctx, "undecodable job payload, dead-lettering",
				slog.String("job_key", job.Key), slog.Any("error", err))
			_ = e.queue.DeadLetter(ctx, job.Key)
			telemetry.StepsDeadLettered.Inc()
			continue
		}

		telemetry.InFlightGauge.Inc()
		if err := e.executeStep(ctx, step); err != nil {
			e.resolveFailure(ctx, job, step, err)
		} else if err := e.queue.Ack(ctx, job.Key); err != nil {
			e.log.ErrorContext(ctx, "ack failed", slog.String("job_key", job.Key), slog.Any("error", err))
		}
		telemetry.InFlightGauge.Dec()
	}
}

// executeStep performs one due step end to end. Any returned error means the
// enrollment row was not advanced.
func (e *Executor) executeStep(ctx context.Context, step models.DueStep) error {
	enr, err := e.store.GetEnrollment(ctx, step.EnrollmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Terminal(err)
		}
		return err
	}
	// Stale or manually resubmitted job: the enrollment already moved past
	// this step or left rotation. Acking without side effects keeps replays
	// harmless.
	if enr.Status != models.EnrollmentActive || enr.CurrentStepOrder+1 != step.StepOrder {
		e.log.InfoContext(ctx, "skipping stale step job",
			slog.String("enrollment_id", step.EnrollmentID),
			slog.Int("step_order", step.StepOrder),
			slog.Int("current_step_order", enr.CurrentStepOrder),
			slog.String("status", enr.Status))
		return nil
	}

	var action string
	switch step.StepType {
	case models.StepEmail:
		if err := e.sendEmail(ctx, step); err != nil {
			return err
		}
		action = "email_sent"
	case models.StepTask:
		title := fmt.Sprintf("Follow up with %s", step.RecipientEmail)
		if err := e.store.CreateFollowUpTask(ctx, step.TenantID, step.EnrollmentID, title, time.Now().UTC()); err != nil {
			return err
		}
		telemetry.TasksCreated.Inc()
		action = "task_created"
	default:
		return Terminal(fmt.Errorf("unknown step type %q", step.StepType))
	}

	now := time.Now().UTC()
	var detail string
	next, err := e.store.GetStep(ctx, step.SequenceID, step.StepOrder+1)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := e.store.CompleteEnrollment(ctx, step.EnrollmentID, step.StepOrder, now); err != nil {
			return err
		}
		telemetry.EnrollmentsCompleted.Inc()
		detail = "sequence completed"
	case err != nil:
		return err
	default:
		dueAt := now.Add(time.Duration(next.DelayHours) * time.Hour)
		if err := e.store.AdvanceEnrollment(ctx, step.EnrollmentID, step.StepOrder, now, dueAt); err != nil {
			return err
		}
		detail = fmt.Sprintf("next step due %s", dueAt.Format(time.RFC3339))
	}

	if err := e.store.AppendAudit(ctx, step.EnrollmentID, step.StepOrder, action, detail); err != nil {
		// State already advanced; failing the job now would replay the side
		// effect for a bookkeeping row.
		e.log.ErrorContext(ctx, "audit append failed",
			slog.String("enrollment_id", step.EnrollmentID),
			slog.Int("step_order", step.StepOrder),
			slog.Any("error", err))
	}
	telemetry.StepsCompleted.Inc()
	return nil
}

func (e *Executor) sendEmail(ctx context.Context, step models.DueStep) error {
	if step.TemplateID == nil {
		return Terminal(fmt.Errorf("email step %s has no template reference", step.JobKey()))
	}
	tpl, err := e.store.GetTemplate(ctx, *step.TemplateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Terminal(err)
		}
		return err
	}

	if e.limiter != nil {
		allowed, _, err := e.limiter.Allow(ctx, "seq:sendrl:"+step.TenantID)
		if err != nil {
			return fmt.Errorf("send limiter: %w", err)
		}
		if !allowed {
			// Retryable: the step stays queued and goes out once the
			// bucket refills.
			return fmt.Errorf("tenant %s send limit reached", step.TenantID)
		}
	}

	subject, body := renderTemplate(tpl, step)
	err = e.mailer.Send(ctx, notify.Message{
		To:       step.RecipientEmail,
		Subject:  subject,
		BodyHTML: body,
		Tag:      "sequence-step",
		TenantID: step.TenantID,
		Tracking: true,
	})
	if err != nil {
		return fmt.Errorf("dispatch email: %w", err)
	}
	telemetry.EmailsSent.Inc()

	if e.archiver != nil {
		msg := archive.Message{
			TenantID:     step.TenantID,
			EnrollmentID: step.EnrollmentID,
			StepOrder:    step.StepOrder,
			Recipient:    step.RecipientEmail,
			Subject:      subject,
			Body:         body,
			SentAt:       time.Now().UTC(),
		}
		if err := e.archiver.Archive(ctx, msg); err != nil {
			e.log.WarnContext(ctx, "archive write failed",
				slog.String("enrollment_id", step.EnrollmentID),
				slog.Int("step_order", step.StepOrder),
				slog.Any("error", err))
		}
	}
	return nil
}

// resolveFailure routes a failed job: terminal and exhausted jobs stop the
// enrollment and dead-letter; everything else retries with backoff.
func (e *Executor) resolveFailure(ctx context.Context, job *queue.LeasedJob, step models.DueStep, execErr error) {
	attempts := job.Attempts + 1
	if IsTerminal(execErr) || attempts >= e.cfg.MaxAttempts {
		if err := e.store.StopEnrollment(ctx, step.EnrollmentID); err != nil {
			e.log.ErrorContext(ctx, "stop enrollment failed",
				slog.String("enrollment_id", step.EnrollmentID), slog.Any("error", err))
		}
		if err := e.queue.DeadLetter(ctx, job.Key); err != nil {
			e.log.ErrorContext(ctx, "dead-letter failed",
				slog.String("job_key", job.Key), slog.Any("error", err))
		}
		_ = e.store.AppendAudit(ctx, step.EnrollmentID, step.StepOrder, "dead_lettered", execErr.Error())
		telemetry.StepsDeadLettered.Inc()
		e.log.ErrorContext(ctx, "step dead-lettered",
			slog.String("job_key", job.Key),
			slog.Int("attempts", attempts),
			slog.Bool("terminal", IsTerminal(execErr)),
			slog.Any("error", execErr))
		return
	}

	backoff := backoffWithJitter(e.cfg.BackoffInitial, e.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	if err := e.queue.RetryLater(ctx, job.Key, attempts, nextRun); err != nil {
		e.log.ErrorContext(ctx, "retry scheduling failed",
			slog.String("job_key", job.Key), slog.Any("error", err))
		return
	}
	_ = e.store.AppendAudit(ctx, step.EnrollmentID, step.StepOrder, "retry_scheduled",
		fmt.Sprintf("next_run=%s attempts=%d: %v", nextRun.UTC().Format(time.RFC3339), attempts, execErr))
	telemetry.StepRetries.Inc()
	e.log.WarnContext(ctx, "step failed, retry scheduled",
		slog.String("job_key", job.Key),
		slog.Int("attempts", attempts),
		slog.Any("error", execErr))
}

// renderTemplate substitutes the merge fields templates may reference.
func renderTemplate(tpl models.EmailTemplate, step models.DueStep) (string, string) {
	r := strings.NewReplacer(
		"{{recipient_email}}", step.RecipientEmail,
	)
	return r.Replace(tpl.Subject), r.Replace(tpl.Body)
}
