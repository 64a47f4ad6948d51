// Package campaign advances account enrollments through ordered,
// timed campaign steps.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/natemoovs/zerochurn/internal/domain"
	"github.com/natemoovs/zerochurn/internal/pkg/logger"
	"github.com/natemoovs/zerochurn/internal/repository/postgres"
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	GetStep(ctx context.Context, id uuid.UUID) (*domain.CampaignStep, error)
	FirstStep(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStep, error)
	StepAt(ctx context.Context, campaignID uuid.UUID, order int) (*domain.CampaignStep, error)
	HasActiveEnrollment(ctx context.Context, campaignID, accountID uuid.UUID) (bool, error)
	CreateEnrollment(ctx context.Context, e *domain.Enrollment) error
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]domain.Enrollment, error)
	UpdateEnrollment(ctx context.Context, e *domain.Enrollment) error
}

// SignalSource provides fresh account signals for templates and conditions.
type SignalSource interface {
	FetchSignals(ctx context.Context, id uuid.UUID) (*domain.AccountSignals, error)
}

// TaskCreator writes task-step output to the shared ledger.
type TaskCreator interface {
	Create(ctx context.Context, t *domain.Task) error
}

// ActivityLogger records the audit trail of executed steps.
type ActivityLogger interface {
	Log(ctx context.Context, accountID uuid.UUID, kind, description string) error
}

// WebhookSender enqueues webhook-step calls. Implementations must not block.
type WebhookSender interface {
	Send(url string, payload WebhookPayload)
}

// TickSummary reports one campaign tick, so operators can tell "nothing
// was due" apart from "everything failed".
type TickSummary struct {
	Due       int `json:"due"`
	Advanced  int `json:"advanced"`
	Completed int `json:"completed"`
	Exited    int `json:"exited"`
	Failed    int `json:"failed"`
}

// EnrollSummary reports one enroll call.
type EnrollSummary struct {
	Requested int `json:"requested"`
	Enrolled  int `json:"enrolled"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Engine executes due campaign steps and advances enrollments. States:
// active -> active (advance), active -> completed (ran off the step list),
// active -> exited (failed condition). Terminal states never transition.
type Engine struct {
	store    Store
	signals  SignalSource
	tasks    TaskCreator
	activity ActivityLogger
	webhooks WebhookSender
	renderer *Renderer
	pageSize int
	now      func() time.Time
}

// NewEngine creates a campaign engine. pageSize bounds the enrollments
// processed per tick.
func NewEngine(store Store, signals SignalSource, tasks TaskCreator,
	activity ActivityLogger, webhooks WebhookSender, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Engine{
		store:    store,
		signals:  signals,
		tasks:    tasks,
		activity: activity,
		webhooks: webhooks,
		renderer: NewRenderer(),
		pageSize: pageSize,
		now:      time.Now,
	}
}

// Enroll puts accounts into a campaign at its first step. Accounts with
// an active enrollment in the same campaign are skipped, not re-enrolled.
func (e *Engine) Enroll(ctx context.Context, campaignID uuid.UUID, accountIDs []uuid.UUID) (*EnrollSummary, error) {
	campaign, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("enroll: %w", err)
	}
	if !campaign.Active {
		return nil, fmt.Errorf("enroll: campaign %q is inactive", campaign.Name)
	}

	first, err := e.store.FirstStep(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("enroll: campaign %q has no steps: %w", campaign.Name, err)
	}

	now := e.now()
	due := now.Add(first.Delay())
	summary := &EnrollSummary{Requested: len(accountIDs)}

	for _, accountID := range accountIDs {
		enrolled, err := e.store.HasActiveEnrollment(ctx, campaignID, accountID)
		if err != nil {
			summary.Failed++
			logger.Warn("enroll check failed", "account_id", accountID.String(), "error", err.Error())
			continue
		}
		if enrolled {
			summary.Skipped++
			continue
		}

		stepID := first.ID
		err = e.store.CreateEnrollment(ctx, &domain.Enrollment{
			CampaignID:       campaignID,
			AccountID:        accountID,
			CurrentStepID:    &stepID,
			CurrentStepOrder: first.StepOrder,
			NextStepDue:      &due,
			Status:           domain.EnrollmentActive,
		})
		if err != nil {
			summary.Failed++
			logger.Warn("enroll failed", "account_id", accountID.String(), "error", err.Error())
			continue
		}
		summary.Enrolled++
	}

	logger.Info("campaign enroll",
		"campaign", campaign.Name, "requested", summary.Requested,
		"enrolled", summary.Enrolled, "skipped", summary.Skipped, "failed", summary.Failed)
	return summary, nil
}

// Tick processes one page of due enrollments. Per-enrollment failures and
// panics are caught and counted; they never abort the batch.
func (e *Engine) Tick(ctx context.Context) (*TickSummary, error) {
	now := e.now()
	due, err := e.store.DueEnrollments(ctx, now, e.pageSize)
	if err != nil {
		return nil, fmt.Errorf("campaign tick: %w", err)
	}

	summary := &TickSummary{Due: len(due)}
	for i := range due {
		outcome := e.processSafely(ctx, &due[i], now)
		switch outcome {
		case outcomeAdvanced:
			summary.Advanced++
		case outcomeCompleted:
			summary.Completed++
		case outcomeExited:
			summary.Exited++
		case outcomeFailed:
			summary.Failed++
		}
	}

	if summary.Due > 0 {
		logger.Info("campaign tick complete",
			"due", summary.Due, "advanced", summary.Advanced,
			"completed", summary.Completed, "exited", summary.Exited,
			"failed", summary.Failed)
	}
	return summary, nil
}

type tickOutcome int

const (
	outcomeAdvanced tickOutcome = iota
	outcomeCompleted
	outcomeExited
	outcomeFailed
)

func (e *Engine) processSafely(ctx context.Context, enr *domain.Enrollment, now time.Time) (outcome tickOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("campaign step panicked",
				"enrollment_id", enr.ID.String(), "panic", fmt.Sprintf("%v", r))
			outcome = outcomeFailed
		}
	}()

	outcome, err := e.process(ctx, enr, now)
	if err != nil {
		logger.Warn("campaign step failed",
			"enrollment_id", enr.ID.String(), "account_id", enr.AccountID.String(),
			"step_order", enr.CurrentStepOrder, "error", err.Error())
		return outcomeFailed
	}
	return outcome
}

func (e *Engine) process(ctx context.Context, enr *domain.Enrollment, now time.Time) (tickOutcome, error) {
	step, err := e.resolveStep(ctx, enr)
	if err != nil {
		return outcomeFailed, err
	}
	if step == nil {
		// Inconsistent state: self-heal by rescheduling at the first step.
		return e.heal(ctx, enr, now)
	}

	signals, err := e.signals.FetchSignals(ctx, enr.AccountID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("fetch signals: %w", err)
	}

	exited, err := e.execute(ctx, enr, step, signals, now)
	if err != nil {
		return outcomeFailed, err
	}

	// Audit record, independent of step type and outcome.
	if err := e.activity.Log(ctx, enr.AccountID, "campaign_step",
		fmt.Sprintf("Executed %s step %d of campaign %s", step.Type, step.StepOrder, enr.CampaignID)); err != nil {
		logger.Warn("step activity log failed", "enrollment_id", enr.ID.String(), "error", err.Error())
	}

	if exited {
		return outcomeExited, nil
	}
	return e.advance(ctx, enr, now)
}

// resolveStep returns the enrollment's current step, nil when the stored
// reference no longer resolves.
func (e *Engine) resolveStep(ctx context.Context, enr *domain.Enrollment) (*domain.CampaignStep, error) {
	if enr.CurrentStepID == nil {
		return nil, nil
	}
	step, err := e.store.GetStep(ctx, *enr.CurrentStepID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve step: %w", err)
	}
	return step, nil
}

func (e *Engine) heal(ctx context.Context, enr *domain.Enrollment, now time.Time) (tickOutcome, error) {
	first, err := e.store.FirstStep(ctx, enr.CampaignID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("self-heal: %w", err)
	}

	stepID := first.ID
	due := now.Add(first.Delay())
	enr.CurrentStepID = &stepID
	enr.CurrentStepOrder = first.StepOrder
	enr.NextStepDue = &due
	if err := e.store.UpdateEnrollment(ctx, enr); err != nil {
		return outcomeFailed, fmt.Errorf("self-heal: %w", err)
	}

	logger.Warn("enrollment self-healed to first step",
		"enrollment_id", enr.ID.String(), "campaign_id", enr.CampaignID.String())
	return outcomeAdvanced, nil
}

// execute runs one step. It returns true when a condition step exited the
// enrollment.
func (e *Engine) execute(ctx context.Context, enr *domain.Enrollment, step *domain.CampaignStep,
	signals *domain.AccountSignals, now time.Time) (bool, error) {

	tmplCtx := TemplateContext(signals)

	switch step.Type {
	case domain.StepTask:
		return false, e.createStepTask(ctx, enr, step, tmplCtx, now)

	case domain.StepEmail:
		subject := e.renderer.Render(step.ID.String()+":subject", step.Config.EmailSubject, tmplCtx)
		// Delivery belongs to an external collaborator; record the intent.
		return false, e.activity.Log(ctx, enr.AccountID, "campaign_email",
			fmt.Sprintf("Email queued: %s (template %s)", subject, step.Config.EmailTemplate))

	case domain.StepWebhook:
		e.webhooks.Send(step.Config.WebhookURL, WebhookPayload{
			CampaignID:   enr.CampaignID,
			EnrollmentID: enr.ID,
			AccountID:    enr.AccountID,
			AccountName:  signals.Name,
			StepOrder:    step.StepOrder,
			HealthClass:  signals.HealthClass,
			FiredAt:      now,
		})
		return false, nil

	case domain.StepCondition:
		if evalCondition(step.Config, signals, now) {
			return false, nil
		}
		return true, e.exit(ctx, enr, step, now)

	case domain.StepWait:
		// The delay already happened via next_step_due.
		return false, nil

	default:
		return false, fmt.Errorf("unknown step type %q", step.Type)
	}
}

func (e *Engine) createStepTask(ctx context.Context, enr *domain.Enrollment,
	step *domain.CampaignStep, tmplCtx map[string]interface{}, now time.Time) error {

	priority := step.Config.TaskPriority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	dueDays := step.Config.TaskDueDays
	if dueDays <= 0 {
		dueDays = 3
	}
	due := now.AddDate(0, 0, dueDays)

	task := &domain.Task{
		AccountID:   enr.AccountID,
		Title:       e.renderer.Render(step.ID.String()+":title", step.Config.TaskTitle, tmplCtx),
		Description: e.renderer.Render(step.ID.String()+":desc", step.Config.TaskDescription, tmplCtx),
		Priority:    priority,
		Status:      domain.TaskPending,
		DueAt:       &due,
		Metadata: domain.TaskMetadata{
			Source: domain.SourceCampaignStep,
			CampaignStep: &domain.CampaignStepMeta{
				CampaignID:   enr.CampaignID,
				EnrollmentID: enr.ID,
				StepID:       step.ID,
				StepOrder:    step.StepOrder,
			},
		},
	}
	if err := e.tasks.Create(ctx, task); err != nil {
		return fmt.Errorf("step task: %w", err)
	}
	return nil
}

// evalCondition evaluates a condition-step predicate against fresh signals.
func evalCondition(cfg domain.StepConfig, s *domain.AccountSignals, now time.Time) bool {
	switch cfg.Condition {
	case domain.CondHealthEquals:
		return s.HealthClass == cfg.ConditionClass
	case domain.CondHealthNotEquals:
		return s.HealthClass != cfg.ConditionClass
	case domain.CondActiveWithin:
		return s.DaysSinceLastLogin >= 0 && s.DaysSinceLastLogin <= cfg.ConditionDays
	default:
		// Unknown predicates pass: a typo in a campaign definition must
		// not silently eject every enrolled account.
		logger.Warn("unknown campaign condition", "condition", string(cfg.Condition))
		return true
	}
}

func (e *Engine) exit(ctx context.Context, enr *domain.Enrollment, step *domain.CampaignStep, now time.Time) error {
	exitedAt := now
	enr.Status = domain.EnrollmentExited
	enr.ExitReason = fmt.Sprintf("condition %s failed at step %d", step.Config.Condition, step.StepOrder)
	enr.ExitedAt = &exitedAt
	enr.CurrentStepID = nil
	enr.NextStepDue = nil
	if err := e.store.UpdateEnrollment(ctx, enr); err != nil {
		return fmt.Errorf("exit enrollment: %w", err)
	}
	return nil
}

// advance moves the enrollment to the step at exactly order+1, or marks it
// completed when that step does not exist. Step order only increases.
func (e *Engine) advance(ctx context.Context, enr *domain.Enrollment, now time.Time) (tickOutcome, error) {
	next, err := e.store.StepAt(ctx, enr.CampaignID, enr.CurrentStepOrder+1)
	if errors.Is(err, postgres.ErrNotFound) {
		completedAt := now
		enr.Status = domain.EnrollmentCompleted
		enr.CompletedAt = &completedAt
		enr.CurrentStepID = nil
		enr.NextStepDue = nil
		if err := e.store.UpdateEnrollment(ctx, enr); err != nil {
			return outcomeFailed, fmt.Errorf("complete enrollment: %w", err)
		}
		return outcomeCompleted, nil
	}
	if err != nil {
		return outcomeFailed, fmt.Errorf("next step: %w", err)
	}

	stepID := next.ID
	due := now.Add(next.Delay())
	enr.CurrentStepID = &stepID
	enr.CurrentStepOrder = next.StepOrder
	enr.NextStepDue = &due
	if err := e.store.UpdateEnrollment(ctx, enr); err != nil {
		return outcomeFailed, fmt.Errorf("advance enrollment: %w", err)
	}
	return outcomeAdvanced, nil
}
