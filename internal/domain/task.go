package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskPriority enumerates task urgency levels.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// TaskStatus enumerates the lifecycle states of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskSource identifies which component created a task.
type TaskSource string

const (
	SourceHealthTransition TaskSource = "health_transition"
	SourceEscalation       TaskSource = "escalation"
	SourceCampaignStep     TaskSource = "campaign_step"
	SourceBillingWebhook   TaskSource = "billing_webhook"
)

// TaskMetadata tags a task with its origin. Exactly one of the variant
// fields is set, selected by Source, so consumers can switch exhaustively
// instead of digging through an untyped map.
type TaskMetadata struct {
	Source TaskSource `json:"source"`

	Transition   *TransitionMeta   `json:"transition,omitempty"`
	Escalation   *EscalationMeta   `json:"escalation,omitempty"`
	CampaignStep *CampaignStepMeta `json:"campaign_step,omitempty"`
	Webhook      *WebhookMeta      `json:"webhook,omitempty"`
}

// TransitionMeta records the health transition that spawned a task.
type TransitionMeta struct {
	Kind TransitionKind `json:"kind"`
	From HealthClass    `json:"from,omitempty"`
	To   HealthClass    `json:"to"`
}

// EscalationMeta records the escalation window that spawned a task.
type EscalationMeta struct {
	WindowDays int    `json:"window_days"`
	Recipient  string `json:"recipient"`
}

// CampaignStepMeta records the campaign step that spawned a task.
type CampaignStepMeta struct {
	CampaignID   uuid.UUID `json:"campaign_id"`
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	StepID       uuid.UUID `json:"step_id"`
	StepOrder    int       `json:"step_order"`
}

// WebhookMeta records the billing event that spawned a task.
type WebhookMeta struct {
	EventID      string           `json:"event_id"`
	EventType    BillingEventType `json:"event_type"`
	Amount       float64          `json:"amount,omitempty"`
	AttemptCount int              `json:"attempt_count,omitempty"`
}

// Task is a generic actionable item in the shared ledger.
type Task struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	AccountID   uuid.UUID    `json:"account_id" db:"account_id"`
	Title       string       `json:"title" db:"title"`
	Description string       `json:"description" db:"description"`
	Priority    TaskPriority `json:"priority" db:"priority"`
	Status      TaskStatus   `json:"status" db:"status"`
	DueAt       *time.Time   `json:"due_at" db:"due_at"`
	Metadata    TaskMetadata `json:"metadata" db:"metadata"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// Open reports whether the task still needs attention.
func (t *Task) Open() bool {
	return t.Status == TaskPending || t.Status == TaskInProgress
}

// EscalationRecord marks that an escalation was already raised for an
// account. Used purely for deduplication; fresh for the same duration as
// the escalation trigger window.
type EscalationRecord struct {
	ID        uuid.UUID `json:"id" db:"id"`
	AccountID uuid.UUID `json:"account_id" db:"account_id"`
	Recipient string    `json:"recipient" db:"recipient"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
