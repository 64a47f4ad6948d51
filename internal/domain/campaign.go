package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepType enumerates the campaign step kinds.
type StepType string

const (
	StepTask      StepType = "task"
	StepEmail     StepType = "email"
	StepWebhook   StepType = "webhook"
	StepCondition StepType = "condition"
	StepWait      StepType = "wait"
)

// ConditionKind names the predicates a condition step can evaluate
// against fresh account signals.
type ConditionKind string

const (
	CondHealthEquals    ConditionKind = "health_equals"
	CondHealthNotEquals ConditionKind = "health_not_equals"
	CondActiveWithin    ConditionKind = "active_within_days"
)

// StepConfig is the type-specific configuration of a campaign step,
// stored as JSONB. Only the fields relevant to the step's type are set.
type StepConfig struct {
	// task
	TaskTitle       string       `json:"task_title,omitempty"`
	TaskDescription string       `json:"task_description,omitempty"`
	TaskPriority    TaskPriority `json:"task_priority,omitempty"`
	TaskDueDays     int          `json:"task_due_days,omitempty"`

	// email
	EmailSubject  string `json:"email_subject,omitempty"`
	EmailTemplate string `json:"email_template,omitempty"`

	// webhook
	WebhookURL string `json:"webhook_url,omitempty"`

	// condition
	Condition      ConditionKind `json:"condition,omitempty"`
	ConditionClass HealthClass   `json:"condition_class,omitempty"`
	ConditionDays  int           `json:"condition_days,omitempty"`
}

// CampaignStep is one ordered step in a campaign definition. StepOrder is
// 1-based. The delay applies before the NEXT step becomes due.
type CampaignStep struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	CampaignID uuid.UUID  `json:"campaign_id" db:"campaign_id"`
	StepOrder  int        `json:"step_order" db:"step_order"`
	Type       StepType   `json:"type" db:"type"`
	DelayDays  int        `json:"delay_days" db:"delay_days"`
	DelayHours int        `json:"delay_hours" db:"delay_hours"`
	Config     StepConfig `json:"config" db:"config"`
}

// Delay returns the configured delay before the step after this one is due.
func (s *CampaignStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// Campaign is an ordered list of timed steps. Definitions are immutable
// once referenced by active enrollments; edits only affect steps ahead of
// any enrollment's current position.
type Campaign struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	Description string         `json:"description" db:"description"`
	Active      bool           `json:"active" db:"active"`
	Steps       []CampaignStep `json:"steps,omitempty"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// EnrollmentStatus enumerates enrollment lifecycle states.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentExited    EnrollmentStatus = "exited"
)

// Enrollment is the mutable state of one account progressing through a
// campaign. Invariants: at most one current step; NextStepDue is nil iff
// the status is terminal; CurrentStepOrder only increases until terminal.
type Enrollment struct {
	ID               uuid.UUID        `json:"id" db:"id"`
	CampaignID       uuid.UUID        `json:"campaign_id" db:"campaign_id"`
	AccountID        uuid.UUID        `json:"account_id" db:"account_id"`
	CurrentStepID    *uuid.UUID       `json:"current_step_id" db:"current_step_id"`
	CurrentStepOrder int              `json:"current_step_order" db:"current_step_order"`
	NextStepDue      *time.Time       `json:"next_step_due" db:"next_step_due"`
	Status           EnrollmentStatus `json:"status" db:"status"`
	ExitReason       string           `json:"exit_reason,omitempty" db:"exit_reason"`
	CompletedAt      *time.Time       `json:"completed_at" db:"completed_at"`
	ExitedAt         *time.Time       `json:"exited_at" db:"exited_at"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the enrollment reached a final state.
func (e *Enrollment) Terminal() bool {
	return e.Status == EnrollmentCompleted || e.Status == EnrollmentExited
}
