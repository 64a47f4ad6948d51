// Package reactor turns external billing events into account state changes
// and follow-up tasks.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/natemoovs/zerochurn/internal/domain"
	"github.com/natemoovs/zerochurn/internal/pkg/logger"
	"github.com/natemoovs/zerochurn/internal/repository/postgres"
)

// AccountStore is the account state surface the reactor mutates.
type AccountStore interface {
	GetByBillingID(ctx context.Context, billingID string) (*domain.AccountSignals, error)
	RecordFailedPayment(ctx context.Context, id uuid.UUID) error
	ResetPaymentHealth(ctx context.Context, id uuid.UUID) error
	SetPaymentHealth(ctx context.Context, id uuid.UUID, ph domain.PaymentHealth) error
	SetHealthClass(ctx context.Context, id uuid.UUID, class domain.HealthClass) error
	SetMRR(ctx context.Context, id uuid.UUID, mrr float64) error
	IncrementDisputes(ctx context.Context, id uuid.UUID) error
}

// TaskStore writes and resolves reactor tasks.
type TaskStore interface {
	Create(ctx context.Context, t *domain.Task) error
	CompleteOpenPaymentFailureTasks(ctx context.Context, accountID uuid.UUID) (int, error)
}

// ActivityLogger records the billing audit trail.
type ActivityLogger interface {
	Log(ctx context.Context, accountID uuid.UUID, kind, description string) error
}

// Notifier enqueues best-effort notifications.
type Notifier interface {
	Notify(subject, body string)
}

// Reactor handles billing events. Handlers are retried as a whole by the
// invoker, so every handler must tolerate at-least-once delivery; the
// per-event-id guard in Handle makes genuine re-deliveries no-ops.
type Reactor struct {
	accounts AccountStore
	tasks    TaskStore
	activity ActivityLogger
	notifier Notifier
	rdb      *redis.Client
	now      func() time.Time
}

// NewReactor creates a reactor. rdb may be nil: without Redis the
// idempotency guard is disabled and re-deliveries are reprocessed.
func NewReactor(accounts AccountStore, tasks TaskStore, activity ActivityLogger,
	notifier Notifier, rdb *redis.Client) *Reactor {
	return &Reactor{
		accounts: accounts,
		tasks:    tasks,
		activity: activity,
		notifier: notifier,
		rdb:      rdb,
		now:      time.Now,
	}
}

const eventSeenTTL = 72 * time.Hour

// Handle processes one billing event. Unmatched billing ids are skipped
// with zero writes; duplicate event ids are skipped via Redis SET NX.
func (r *Reactor) Handle(ctx context.Context, ev domain.BillingEvent) (domain.ReactorResult, error) {
	result := domain.ReactorResult{EventID: ev.ID}

	if dup := r.markSeen(ctx, ev.ID); dup {
		result.Status = domain.ReactorSkipped
		result.Reason = "duplicate event id"
		return result, nil
	}

	account, err := r.accounts.GetByBillingID(ctx, ev.BillingCustomerID)
	if errors.Is(err, postgres.ErrNotFound) {
		result.Status = domain.ReactorSkipped
		result.Reason = "unmatched billing customer id"
		logger.Warn("billing event skipped",
			"event_id", ev.ID, "billing_customer_id", ev.BillingCustomerID)
		return result, nil
	}
	if err != nil {
		result.Status = domain.ReactorFailed
		return result, fmt.Errorf("resolve account: %w", err)
	}

	switch ev.Type {
	case domain.EventPaymentFailed:
		err = r.paymentFailed(ctx, account, ev)
	case domain.EventPaymentSucceeded:
		err = r.paymentSucceeded(ctx, account, ev)
	case domain.EventSubscriptionUpdated:
		err = r.subscriptionUpdated(ctx, account, ev)
	case domain.EventSubscriptionCanceled:
		err = r.subscriptionCanceled(ctx, account, ev)
	case domain.EventDisputeCreated:
		err = r.disputeCreated(ctx, account, ev)
	default:
		result.Status = domain.ReactorSkipped
		result.Reason = fmt.Sprintf("unsupported event type %q", ev.Type)
		return result, nil
	}

	if err != nil {
		// Free the idempotency key so the invoker's retry is not
		// mistaken for a duplicate delivery.
		r.clearSeen(ctx, ev.ID)
		result.Status = domain.ReactorFailed
		return result, fmt.Errorf("handle %s: %w", ev.Type, err)
	}

	result.Status = domain.ReactorProcessed
	return result, nil
}

// markSeen claims the event id. It fails open: without Redis, or when
// Redis is down, every delivery looks new.
func (r *Reactor) markSeen(ctx context.Context, eventID string) bool {
	if r.rdb == nil || eventID == "" {
		return false
	}
	ok, err := r.rdb.SetNX(ctx, "zerochurn:event:"+eventID, 1, eventSeenTTL).Result()
	if err != nil {
		logger.Warn("idempotency check unavailable", "event_id", eventID, "error", err.Error())
		return false
	}
	return !ok
}

func (r *Reactor) clearSeen(ctx context.Context, eventID string) {
	if r.rdb == nil || eventID == "" {
		return
	}
	if err := r.rdb.Del(ctx, "zerochurn:event:"+eventID).Err(); err != nil {
		logger.Warn("idempotency key release failed", "event_id", eventID, "error", err.Error())
	}
}

// failedPaymentPriority escalates with amount and attempt count.
func failedPaymentPriority(amount float64, attempts int) domain.TaskPriority {
	switch {
	case amount >= 1000 || attempts >= 3:
		return domain.PriorityUrgent
	case amount >= 500 || attempts >= 2:
		return domain.PriorityHigh
	default:
		return domain.PriorityMedium
	}
}

func (r *Reactor) paymentFailed(ctx context.Context, account *domain.AccountSignals, ev domain.BillingEvent) error {
	priority := failedPaymentPriority(ev.Amount, ev.AttemptCount)

	due := r.now().AddDate(0, 0, 2)
	task := &domain.Task{
		AccountID: account.AccountID,
		Title:     fmt.Sprintf("Payment failed: %s ($%.2f, attempt %d)", account.Name, ev.Amount, ev.AttemptCount),
		Description: fmt.Sprintf(
			"Payment of $%.2f failed for %s (attempt %d). Reach out before the next retry.",
			ev.Amount, account.Name, ev.AttemptCount),
		Priority: priority,
		Status:   domain.TaskPending,
		DueAt:    &due,
		Metadata: webhookMeta(ev),
	}
	if err := r.tasks.Create(ctx, task); err != nil {
		return fmt.Errorf("payment-failed task: %w", err)
	}

	if err := r.accounts.RecordFailedPayment(ctx, account.AccountID); err != nil {
		return fmt.Errorf("record failed payment: %w", err)
	}

	if err := r.activity.Log(ctx, account.AccountID, "payment_failed",
		fmt.Sprintf("Payment of $%.2f failed (attempt %d)", ev.Amount, ev.AttemptCount)); err != nil {
		logger.Warn("activity log failed", "event_id", ev.ID, "error", err.Error())
	}

	if priority == domain.PriorityUrgent && r.notifier != nil {
		r.notifier.Notify(
			fmt.Sprintf("Urgent: payment failure for %s", account.Name),
			fmt.Sprintf("$%.2f failed on attempt %d for %s. Account payment health is degrading.",
				ev.Amount, ev.AttemptCount, account.Name),
		)
	}
	return nil
}

func (r *Reactor) paymentSucceeded(ctx context.Context, account *domain.AccountSignals, ev domain.BillingEvent) error {
	if err := r.accounts.ResetPaymentHealth(ctx, account.AccountID); err != nil {
		return fmt.Errorf("reset payment health: %w", err)
	}

	// A definite good outcome retracts the task debt left by earlier
	// payment failures for this account. Other webhook-created tasks
	// (disputes, win-backs) stay open.
	closed, err := r.tasks.CompleteOpenPaymentFailureTasks(ctx, account.AccountID)
	if err != nil {
		return fmt.Errorf("complete payment tasks: %w", err)
	}
	if closed > 0 {
		logger.Info("payment recovery closed open tasks",
			"account_id", account.AccountID.String(), "closed", closed)
	}

	if err := r.activity.Log(ctx, account.AccountID, "payment_succeeded",
		fmt.Sprintf("Payment of $%.2f succeeded", ev.Amount)); err != nil {
		logger.Warn("activity log failed", "event_id", ev.ID, "error", err.Error())
	}
	return nil
}

// downgradePriority sizes the downgrade task by the dollar delta.
func downgradePriority(delta float64) domain.TaskPriority {
	switch {
	case delta >= 500:
		return domain.PriorityUrgent
	case delta >= 100:
		return domain.PriorityHigh
	default:
		return domain.PriorityMedium
	}
}

func (r *Reactor) subscriptionUpdated(ctx context.Context, account *domain.AccountSignals, ev domain.BillingEvent) error {
	if err := r.accounts.SetMRR(ctx, account.AccountID, ev.NewMRR); err != nil {
		return fmt.Errorf("set mrr: %w", err)
	}

	delta := ev.PreviousMRR - ev.NewMRR
	switch {
	case delta > 0:
		due := r.now().AddDate(0, 0, 3)
		task := &domain.Task{
			AccountID: account.AccountID,
			Title:     fmt.Sprintf("Downgrade: %s lost $%.2f MRR", account.Name, delta),
			Description: fmt.Sprintf("MRR moved from $%.2f to $%.2f. Understand why before renewal.",
				ev.PreviousMRR, ev.NewMRR),
			Priority: downgradePriority(delta),
			Status:   domain.TaskPending,
			DueAt:    &due,
			Metadata: webhookMeta(ev),
		}
		if err := r.tasks.Create(ctx, task); err != nil {
			return fmt.Errorf("downgrade task: %w", err)
		}
	case delta < 0:
		// Upsells are not alarms.
		if err := r.activity.Log(ctx, account.AccountID, "subscription_upgraded",
			fmt.Sprintf("MRR increased from $%.2f to $%.2f", ev.PreviousMRR, ev.NewMRR)); err != nil {
			logger.Warn("activity log failed", "event_id", ev.ID, "error", err.Error())
		}
	}

	if ev.SubscriptionStatus == "past_due" || ev.SubscriptionStatus == "unpaid" {
		// Hours, not days: the subscription is about to lapse.
		due := r.now().Add(24 * time.Hour)
		task := &domain.Task{
			AccountID: account.AccountID,
			Title:     fmt.Sprintf("Subscription %s: %s", ev.SubscriptionStatus, account.Name),
			Description: fmt.Sprintf("Subscription for %s moved to %s. Contact billing owner today.",
				account.Name, ev.SubscriptionStatus),
			Priority: domain.PriorityUrgent,
			Status:   domain.TaskPending,
			DueAt:    &due,
			Metadata: webhookMeta(ev),
		}
		if err := r.tasks.Create(ctx, task); err != nil {
			return fmt.Errorf("past-due task: %w", err)
		}
	}
	return nil
}

func (r *Reactor) subscriptionCanceled(ctx context.Context, account *domain.AccountSignals, ev domain.BillingEvent) error {
	due := r.now().AddDate(0, 0, 2)
	task := &domain.Task{
		AccountID: account.AccountID,
		Title:     fmt.Sprintf("Win-back: %s canceled", account.Name),
		Description: fmt.Sprintf("%s canceled their subscription ($%.2f MRR). Start the win-back sequence.",
			account.Name, account.MRR),
		Priority: domain.PriorityUrgent,
		Status:   domain.TaskPending,
		DueAt:    &due,
		Metadata: webhookMeta(ev),
	}
	if err := r.tasks.Create(ctx, task); err != nil {
		return fmt.Errorf("win-back task: %w", err)
	}

	// Terminal override: the classifier never emits churned, only this
	// path sets it.
	if err := r.accounts.SetHealthClass(ctx, account.AccountID, domain.HealthChurned); err != nil {
		return fmt.Errorf("set churned: %w", err)
	}

	if r.notifier != nil {
		r.notifier.Notify(
			fmt.Sprintf("Churn: %s canceled", account.Name),
			fmt.Sprintf("%s ($%.2f MRR) canceled their subscription. A win-back task is open.",
				account.Name, account.MRR),
		)
	}
	return nil
}

func (r *Reactor) disputeCreated(ctx context.Context, account *domain.AccountSignals, ev domain.BillingEvent) error {
	due := r.now().AddDate(0, 0, 2)
	task := &domain.Task{
		AccountID: account.AccountID,
		Title:     fmt.Sprintf("Dispute opened: %s ($%.2f)", account.Name, ev.Amount),
		Description: fmt.Sprintf("%s opened a payment dispute for $%.2f. Gather evidence and respond.",
			account.Name, ev.Amount),
		Priority: domain.PriorityUrgent,
		Status:   domain.TaskPending,
		DueAt:    &due,
		Metadata: webhookMeta(ev),
	}
	if err := r.tasks.Create(ctx, task); err != nil {
		return fmt.Errorf("dispute task: %w", err)
	}

	if err := r.accounts.IncrementDisputes(ctx, account.AccountID); err != nil {
		return fmt.Errorf("increment disputes: %w", err)
	}
	if err := r.accounts.SetPaymentHealth(ctx, account.AccountID, domain.PaymentCritical); err != nil {
		return fmt.Errorf("set payment health: %w", err)
	}
	return nil
}

func webhookMeta(ev domain.BillingEvent) domain.TaskMetadata {
	return domain.TaskMetadata{
		Source: domain.SourceBillingWebhook,
		Webhook: &domain.WebhookMeta{
			EventID:      ev.ID,
			EventType:    ev.Type,
			Amount:       ev.Amount,
			AttemptCount: ev.AttemptCount,
		},
	}
}
