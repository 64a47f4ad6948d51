// Package escalation raises urgent follow-ups for accounts stuck red.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/natemoovs/zerochurn/internal/domain"
	"github.com/natemoovs/zerochurn/internal/pkg/logger"
)

// SnapshotSource reads the health snapshot history.
type SnapshotSource interface {
	RedAccounts(ctx context.Context, since time.Time) ([]domain.HealthSnapshot, error)
	ListWithin(ctx context.Context, accountID uuid.UUID, since time.Time) ([]domain.HealthSnapshot, error)
}

// Recorder persists escalation state: the urgent task and the dedup record.
type Recorder interface {
	CreateTask(ctx context.Context, t *domain.Task) error
	ExistsWithin(ctx context.Context, accountID uuid.UUID, since time.Time) (bool, error)
	CreateRecord(ctx context.Context, e *domain.EscalationRecord) error
}

// Notifier enqueues best-effort notifications.
type Notifier interface {
	Notify(subject, body string)
}

// Summary reports one monitor run.
type Summary struct {
	Candidates int `json:"candidates"`
	Escalated  int `json:"escalated"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Monitor escalates accounts whose every snapshot in the window is red.
// Escalation state is the source of truth; the notification is advisory
// and sent only after the task and record are committed.
type Monitor struct {
	snapshots SnapshotSource
	recorder  Recorder
	notifier  Notifier
	window    time.Duration
	recipient string
	now       func() time.Time
}

// NewMonitor creates an escalation monitor. window is how long an account
// must have been continuously red.
func NewMonitor(snapshots SnapshotSource, recorder Recorder, notifier Notifier,
	window time.Duration, recipient string) *Monitor {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &Monitor{
		snapshots: snapshots,
		recorder:  recorder,
		notifier:  notifier,
		window:    window,
		recipient: recipient,
		now:       time.Now,
	}
}

// Run checks every currently-red account for a sustained red streak and
// escalates the ones that qualify.
func (m *Monitor) Run(ctx context.Context) (*Summary, error) {
	now := m.now()
	since := now.Add(-m.window)

	reds, err := m.snapshots.RedAccounts(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("escalation run: %w", err)
	}

	summary := &Summary{Candidates: len(reds)}
	for i := range reds {
		escalated, err := m.check(ctx, &reds[i], since, now)
		if err != nil {
			summary.Failed++
			logger.Warn("escalation check failed",
				"account_id", reds[i].AccountID.String(), "error", err.Error())
			continue
		}
		if escalated {
			summary.Escalated++
		} else {
			summary.Skipped++
		}
	}

	logger.Info("escalation run complete",
		"candidates", summary.Candidates, "escalated", summary.Escalated,
		"skipped", summary.Skipped, "failed", summary.Failed)
	return summary, nil
}

func (m *Monitor) check(ctx context.Context, latest *domain.HealthSnapshot, since, now time.Time) (bool, error) {
	history, err := m.snapshots.ListWithin(ctx, latest.AccountID, since)
	if err != nil {
		return false, fmt.Errorf("snapshot history: %w", err)
	}

	// Zero snapshots in the window is never an escalation: absence of
	// evidence is not evidence of sustained risk.
	if len(history) == 0 {
		return false, nil
	}
	for i := range history {
		if history[i].Class != domain.HealthRed {
			return false, nil
		}
	}

	already, err := m.recorder.ExistsWithin(ctx, latest.AccountID, since)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	if already {
		return false, nil
	}

	windowDays := int(m.window / (24 * time.Hour))
	due := now.AddDate(0, 0, 2)
	task := &domain.Task{
		AccountID: latest.AccountID,
		Title:     fmt.Sprintf("Escalation: %s red for %d+ days", latest.AccountName, windowDays),
		Description: fmt.Sprintf(
			"Every health snapshot for %s in the last %d days is red (%d snapshots). Immediate outreach required.",
			latest.AccountName, windowDays, len(history)),
		Priority: domain.PriorityUrgent,
		Status:   domain.TaskPending,
		DueAt:    &due,
		Metadata: domain.TaskMetadata{
			Source: domain.SourceEscalation,
			Escalation: &domain.EscalationMeta{
				WindowDays: windowDays,
				Recipient:  m.recipient,
			},
		},
	}
	if err := m.recorder.CreateTask(ctx, task); err != nil {
		return false, fmt.Errorf("escalation task: %w", err)
	}

	if err := m.recorder.CreateRecord(ctx, &domain.EscalationRecord{
		AccountID: latest.AccountID,
		Recipient: m.recipient,
	}); err != nil {
		return false, fmt.Errorf("escalation record: %w", err)
	}

	// Advisory only; the task and record are already committed.
	if m.notifier != nil {
		m.notifier.Notify(
			fmt.Sprintf("Sustained red account: %s", latest.AccountName),
			fmt.Sprintf("%s has been red for the full %d-day window. An urgent task is due %s.",
				latest.AccountName, windowDays, due.Format(time.DateOnly)),
		)
	}

	logger.Info("account escalated",
		"account_id", latest.AccountID.String(), "account", latest.AccountName,
		"window_days", windowDays, "snapshots", len(history))
	return true, nil
}
