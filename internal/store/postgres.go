package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"sequence-engine/internal/models"
)

// ErrNotFound is returned for lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// DueSteps returns up to limit active enrollments whose next step is due,
// oldest first, joined with that step's definition. Read-only; an empty
// result is the steady state, not an error.
func (s *Store) DueSteps(ctx context.Context, limit int) ([]models.DueStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.current_step_order + 1, st.step_type, st.template_id,
		       e.recipient_email, e.sequence_id, e.tenant_id
		FROM enrollments e
		JOIN sequence_steps st
		  ON st.sequence_id = e.sequence_id
		 AND st.step_order = e.current_step_order + 1
		WHERE e.status = $1
		  AND e.next_step_due_at IS NOT NULL
		  AND e.next_step_due_at <= NOW()
		ORDER BY e.next_step_due_at ASC
		LIMIT $2
	`, models.EnrollmentActive, limit)
	if err != nil {
		return nil, fmt.Errorf("query due steps: %w", err)
	}
	defer rows.Close()

	var due []models.DueStep
	for rows.Next() {
		var d models.DueStep
		var tmpl pgtype.Text
		if err := rows.Scan(&d.EnrollmentID, &d.StepOrder, &d.StepType, &tmpl,
			&d.RecipientEmail, &d.SequenceID, &d.TenantID); err != nil {
			return nil, fmt.Errorf("scan due step: %w", err)
		}
		d.TemplateID = textPtr(tmpl)
		due = append(due, d)
	}
	return due, rows.Err()
}

// GetEnrollment fetches an enrollment by id.
func (s *Store) GetEnrollment(ctx context.Context, id string) (models.Enrollment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, sequence_id, tenant_id, recipient_email, status,
		       current_step_order, last_step_completed_at, next_step_due_at,
		       created_at, updated_at
		FROM enrollments WHERE id = $1
	`, id)

	var e models.Enrollment
	var completed, due pgtype.Timestamptz
	if err := row.Scan(&e.ID, &e.SequenceID, &e.TenantID, &e.RecipientEmail, &e.Status,
		&e.CurrentStepOrder, &completed, &due, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Enrollment{}, fmt.Errorf("enrollment %s: %w", id, ErrNotFound)
		}
		return models.Enrollment{}, fmt.Errorf("scan enrollment: %w", err)
	}
	e.LastStepCompletedAt = timePtr(completed)
	e.NextStepDueAt = timePtr(due)
	return e, nil
}

// GetTemplate fetches an email template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (models.EmailTemplate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, subject, body FROM email_templates WHERE id = $1
	`, id)

	var t models.EmailTemplate
	if err := row.Scan(&t.ID, &t.TenantID, &t.Subject, &t.Body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EmailTemplate{}, fmt.Errorf("template %s: %w", id, ErrNotFound)
		}
		return models.EmailTemplate{}, fmt.Errorf("scan template: %w", err)
	}
	return t, nil
}

// GetStep fetches one step definition by sequence and order.
func (s *Store) GetStep(ctx context.Context, sequenceID string, stepOrder int) (models.SequenceStep, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT sequence_id, step_order, step_type, template_id, delay_hours
		FROM sequence_steps WHERE sequence_id = $1 AND step_order = $2
	`, sequenceID, stepOrder)

	var st models.SequenceStep
	var tmpl pgtype.Text
	if err := row.Scan(&st.SequenceID, &st.StepOrder, &st.StepType, &tmpl, &st.DelayHours); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SequenceStep{}, fmt.Errorf("step %s/%d: %w", sequenceID, stepOrder, ErrNotFound)
		}
		return models.SequenceStep{}, fmt.Errorf("scan step: %w", err)
	}
	st.TemplateID = textPtr(tmpl)
	return st, nil
}

// AdvanceEnrollment records a completed step and schedules the next one.
func (s *Store) AdvanceEnrollment(ctx context.Context, id string, completedOrder int, completedAt, nextDueAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET current_step_order = $2, last_step_completed_at = $3,
		    next_step_due_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, completedOrder, completedAt, nextDueAt)
	if err != nil {
		return fmt.Errorf("advance enrollment %s: %w", id, err)
	}
	return nil
}

// CompleteEnrollment records the final step and moves the enrollment to its
// terminal state. next_step_due_at is cleared so the finder never returns it
// again.
func (s *Store) CompleteEnrollment(ctx context.Context, id string, completedOrder int, completedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET current_step_order = $2, last_step_completed_at = $3,
		    next_step_due_at = NULL, status = $4, updated_at = NOW()
		WHERE id = $1
	`, id, completedOrder, completedAt, models.EnrollmentCompleted)
	if err != nil {
		return fmt.Errorf("complete enrollment %s: %w", id, err)
	}
	return nil
}

// StopEnrollment takes an enrollment out of rotation after a dead-lettered
// step so the scheduler does not rediscover the same unprocessable work.
func (s *Store) StopEnrollment(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET status = $2, next_step_due_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.EnrollmentStopped)
	if err != nil {
		return fmt.Errorf("stop enrollment %s: %w", id, err)
	}
	return nil
}

// AppendAudit adds one audit row for an executed step.
func (s *Store) AppendAudit(ctx context.Context, enrollmentID string, stepOrder int, action, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sequence_audit_logs (enrollment_id, step_order, action, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, enrollmentID, stepOrder, action, detail)
	if err != nil {
		return fmt.Errorf("append audit %s/%d: %w", enrollmentID, stepOrder, err)
	}
	return nil
}

// CreateFollowUpTask inserts the row produced by a task step.
func (s *Store) CreateFollowUpTask(ctx context.Context, tenantID, enrollmentID, title string, dueAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO follow_up_tasks (id, tenant_id, enrollment_id, title, due_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), tenantID, enrollmentID, title, dueAt)
	if err != nil {
		return fmt.Errorf("create follow-up task: %w", err)
	}
	return nil
}

// CreateSequenceParams collects inputs required to insert a sequence with
// its steps.
type CreateSequenceParams struct {
	TenantID string
	Name     string
	Steps    []CreateStepParams
}

// CreateStepParams is one step definition within CreateSequenceParams.
// Order is assigned from slice position, 1-based.
type CreateStepParams struct {
	StepType   models.StepType
	TemplateID *string
	DelayHours int
}

// CreateSequence inserts a sequence and its steps in one transaction.
func (s *Store) CreateSequence(ctx context.Context, p CreateSequenceParams) (models.Sequence, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Sequence{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	seq := models.Sequence{
		ID:       uuid.New().String(),
		TenantID: p.TenantID,
		Name:     p.Name,
		Status:   "active",
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO sequences (id, tenant_id, name, status) VALUES ($1, $2, $3, $4)
	`, seq.ID, seq.TenantID, seq.Name, seq.Status)
	if err != nil {
		return models.Sequence{}, fmt.Errorf("insert sequence: %w", err)
	}

	for i, st := range p.Steps {
		_, err = tx.Exec(ctx, `
			INSERT INTO sequence_steps (sequence_id, step_order, step_type, template_id, delay_hours)
			VALUES ($1, $2, $3, $4, $5)
		`, seq.ID, i+1, st.StepType, st.TemplateID, st.DelayHours)
		if err != nil {
			return models.Sequence{}, fmt.Errorf("insert step %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Sequence{}, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

// CreateEnrollment enrolls a recipient into a sequence and schedules the
// first step from its delay. The sequence must have at least one step.
func (s *Store) CreateEnrollment(ctx context.Context, sequenceID, tenantID, recipientEmail string) (models.Enrollment, error) {
	first, err := s.GetStep(ctx, sequenceID, 1)
	if err != nil {
		return models.Enrollment{}, err
	}

	now := time.Now().UTC()
	due := now.Add(time.Duration(first.DelayHours) * time.Hour)
	e := models.Enrollment{
		ID:               uuid.New().String(),
		SequenceID:       sequenceID,
		TenantID:         tenantID,
		RecipientEmail:   recipientEmail,
		Status:           models.EnrollmentActive,
		CurrentStepOrder: 0,
		NextStepDueAt:    &due,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO enrollments (id, sequence_id, tenant_id, recipient_email, status,
		                         current_step_order, next_step_due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
	`, e.ID, e.SequenceID, e.TenantID, e.RecipientEmail, e.Status, due, now)
	if err != nil {
		return models.Enrollment{}, fmt.Errorf("insert enrollment: %w", err)
	}
	return e, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
