package models

import (
	"fmt"
	"time"
)

// StepType is the closed set of step kinds a sequence may contain.
type StepType string

const (
	StepEmail StepType = "email"
	StepTask  StepType = "task"
)

// Enrollment statuses persisted in Postgres. Only active enrollments are
// eligible for due-step discovery.
const (
	EnrollmentActive    = "active"
	EnrollmentPaused    = "paused"
	EnrollmentCompleted = "completed"
	EnrollmentStopped   = "stopped"
)

// Sequence is an ordered template of steps. The engine reads it, never
// mutates it.
type Sequence struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

// SequenceStep is one step definition within a sequence. StepOrder is
// 1-based; DelayHours is relative to completion of the previous step.
type SequenceStep struct {
	SequenceID string   `json:"sequence_id"`
	StepOrder  int      `json:"step_order"`
	StepType   StepType `json:"step_type"`
	TemplateID *string  `json:"template_id,omitempty"`
	DelayHours int      `json:"delay_hours"`
}

// EmailTemplate holds the rendered-from subject and body for an email step.
type EmailTemplate struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

// Enrollment tracks one recipient's progress through one sequence.
// CurrentStepOrder is 0 until the first step executes. NextStepDueAt is nil
// once the enrollment is completed or stopped.
type Enrollment struct {
	ID                  string     `json:"id"`
	SequenceID          string     `json:"sequence_id"`
	TenantID            string     `json:"tenant_id"`
	RecipientEmail      string     `json:"recipient_email"`
	Status              string     `json:"status"`
	CurrentStepOrder    int        `json:"current_step_order"`
	LastStepCompletedAt *time.Time `json:"last_step_completed_at,omitempty"`
	NextStepDueAt       *time.Time `json:"next_step_due_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// DueStep is the derived view of an enrollment whose next step is ready to
// run. It is never persisted; it travels through the queue as the job
// payload and can always be re-derived from enrollment + sequence state.
type DueStep struct {
	EnrollmentID   string   `json:"enrollment_id"`
	StepOrder      int      `json:"step_order"`
	StepType       StepType `json:"step_type"`
	TemplateID     *string  `json:"template_id,omitempty"`
	RecipientEmail string   `json:"recipient_email"`
	SequenceID     string   `json:"sequence_id"`
	TenantID       string   `json:"tenant_id"`
}

// JobKey returns the deterministic queue key for this due step. Two polls
// that discover the same step before it completes produce the same key, so
// the queue collapses them into one job.
func (d DueStep) JobKey() string {
	return fmt.Sprintf("enrollment:%s:step:%d", d.EnrollmentID, d.StepOrder)
}

// AuditLog is an append-only record of one executed step.
type AuditLog struct {
	EnrollmentID string    `json:"enrollment_id"`
	StepOrder    int       `json:"step_order"`
	Action       string    `json:"action"`
	Detail       string    `json:"detail"`
	Recorded     time.Time `json:"recorded_at"`
}

// FollowUpTask is the row created by a task step.
type FollowUpTask struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	EnrollmentID string    `json:"enrollment_id"`
	Title        string    `json:"title"`
	DueAt        time.Time `json:"due_at"`
	CreatedAt    time.Time `json:"created_at"`
}
