// Package snapshot materializes periodic health snapshots and detects
// health transitions between consecutive observations.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/natemoovs/zerochurn/internal/domain"
	"github.com/natemoovs/zerochurn/internal/health"
	"github.com/natemoovs/zerochurn/internal/pkg/logger"
)

// SignalSource provides per-account signal sets. Fetch failures for one
// account are isolated: the batch keeps going.
type SignalSource interface {
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)
	FetchSignals(ctx context.Context, id uuid.UUID) (*domain.AccountSignals, error)
}

// Store persists snapshots and serves the lookback query.
type Store interface {
	LatestWithin(ctx context.Context, accountID uuid.UUID, since time.Time) (*domain.HealthSnapshot, error)
	InsertBatch(ctx context.Context, snaps []*domain.HealthSnapshot) error
}

// TaskCreator writes transition tasks to the shared ledger.
type TaskCreator interface {
	Create(ctx context.Context, t *domain.Task) error
}

// Notifier enqueues best-effort notifications.
type Notifier interface {
	Notify(subject, body string)
}

// Summary is the structured result of one snapshot tick, so operators
// can tell "nothing was due" apart from "everything failed".
type Summary struct {
	Processed    int                       `json:"processed"`
	Succeeded    int                       `json:"succeeded"`
	Failed       int                       `json:"failed"`
	Transitions  []domain.HealthTransition `json:"transitions"`
	TasksCreated int                       `json:"tasks_created"`
}

// Runner executes the snapshot batch.
type Runner struct {
	signals    SignalSource
	store      Store
	tasks      TaskCreator
	notifier   Notifier
	classifier *health.Classifier
	lookback   time.Duration
	workers    int
	now        func() time.Time
}

// NewRunner creates a snapshot runner. workers bounds the per-account
// fan-out; lookback is the prior-snapshot window (48h in production).
func NewRunner(signals SignalSource, store Store, tasks TaskCreator, notifier Notifier,
	classifier *health.Classifier, lookback time.Duration, workers int) *Runner {
	if workers <= 0 {
		workers = 8
	}
	if lookback <= 0 {
		lookback = 48 * time.Hour
	}
	return &Runner{
		signals:    signals,
		store:      store,
		tasks:      tasks,
		notifier:   notifier,
		classifier: classifier,
		lookback:   lookback,
		workers:    workers,
		now:        time.Now,
	}
}

type accountResult struct {
	snap       *domain.HealthSnapshot
	transition *domain.HealthTransition
}

// Run computes a fresh snapshot for every account, persists the whole
// batch in one transaction, and emits tasks for declined and new-red
// transitions. Per-account fetch failures are counted and skipped; a
// batch-write failure fails the tick without partial state and is
// retried at the next scheduled run.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	ids, err := r.signals.ListAccountIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot run: %w", err)
	}

	now := r.now()
	since := now.Add(-r.lookback)
	summary := &Summary{Processed: len(ids)}

	var mu sync.Mutex
	var results []accountResult

	sem := make(chan struct{}, r.workers)
	var wg sync.WaitGroup
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(accountID uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := r.observe(ctx, accountID, since, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				logger.Warn("snapshot skipped account", "account_id", accountID.String(), "error", err.Error())
				return
			}
			summary.Succeeded++
			results = append(results, *res)
		}(id)
	}
	wg.Wait()

	// Persist everything in one batch: the history is the product, not
	// just the diff log.
	snaps := make([]*domain.HealthSnapshot, 0, len(results))
	for i := range results {
		snaps = append(snaps, results[i].snap)
	}
	if err := r.store.InsertBatch(ctx, snaps); err != nil {
		return nil, fmt.Errorf("snapshot batch write: %w", err)
	}

	for i := range results {
		tr := results[i].transition
		if tr == nil {
			continue
		}
		summary.Transitions = append(summary.Transitions, *tr)
		if tr.Kind == domain.TransitionImproved {
			continue
		}
		if err := r.createTransitionTask(ctx, tr); err != nil {
			// Independent outcome: the transition is already recorded.
			logger.Warn("transition task failed", "account_id", tr.AccountID.String(), "error", err.Error())
			continue
		}
		summary.TasksCreated++
	}

	logger.Info("snapshot tick complete",
		"processed", summary.Processed, "succeeded", summary.Succeeded,
		"failed", summary.Failed, "transitions", len(summary.Transitions),
		"tasks", summary.TasksCreated)
	return summary, nil
}

// observe computes one account's snapshot and transition, if any.
func (r *Runner) observe(ctx context.Context, accountID uuid.UUID, since, now time.Time) (*accountResult, error) {
	signals, err := r.signals.FetchSignals(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("fetch signals: %w", err)
	}

	result := r.classifier.Classify(*signals)
	snap := &domain.HealthSnapshot{
		ID:              uuid.New(),
		AccountID:       accountID,
		AccountName:     signals.Name,
		Class:           result.Class,
		MRR:             signals.MRR,
		TotalTrips:      signals.TotalTrips,
		TripsLast30Days: signals.TripsLast30Days,
		RiskSignals:     result.RiskSignals,
		PositiveSignals: result.PositiveSignals,
		CreatedAt:       now,
	}

	prior, err := r.store.LatestWithin(ctx, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("prior snapshot: %w", err)
	}

	var transition *domain.HealthTransition
	if prior == nil {
		// First observation inside the window. Only a red first sight is
		// actionable in itself.
		if result.Class == domain.HealthRed {
			transition = &domain.HealthTransition{
				AccountID:   accountID,
				AccountName: signals.Name,
				Kind:        domain.TransitionNew,
				To:          result.Class,
				DetectedAt:  now,
			}
		}
	} else if prior.Class != result.Class {
		if kind := domain.ClassifyTransition(prior.Class, result.Class); kind != "" {
			transition = &domain.HealthTransition{
				AccountID:   accountID,
				AccountName: signals.Name,
				Kind:        kind,
				From:        prior.Class,
				To:          result.Class,
				DetectedAt:  now,
			}
		}
	}

	return &accountResult{snap: snap, transition: transition}, nil
}

func (r *Runner) createTransitionTask(ctx context.Context, tr *domain.HealthTransition) error {
	priority := domain.PriorityMedium
	if tr.To == domain.HealthRed {
		priority = domain.PriorityHigh
	}

	title := fmt.Sprintf("Health declined to %s: %s", tr.To, tr.AccountName)
	description := fmt.Sprintf("Health class moved from %q to %q. Review recent activity and reach out.", tr.From, tr.To)
	if tr.Kind == domain.TransitionNew {
		title = fmt.Sprintf("New account observed %s: %s", tr.To, tr.AccountName)
		description = fmt.Sprintf("First observation of this account is %q. Review recent activity and reach out.", tr.To)
	}

	due := tr.DetectedAt.AddDate(0, 0, 2)
	task := &domain.Task{
		AccountID:   tr.AccountID,
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      domain.TaskPending,
		DueAt:       &due,
		Metadata: domain.TaskMetadata{
			Source: domain.SourceHealthTransition,
			Transition: &domain.TransitionMeta{
				Kind: tr.Kind,
				From: tr.From,
				To:   tr.To,
			},
		},
	}
	if err := r.tasks.Create(ctx, task); err != nil {
		return err
	}

	if r.notifier != nil && tr.To == domain.HealthRed {
		r.notifier.Notify(
			fmt.Sprintf("Account health alert: %s is red", tr.AccountName),
			fmt.Sprintf("Account %s transitioned to red (%s) at %s. A follow-up task is due in 2 days.",
				tr.AccountName, tr.Kind, tr.DetectedAt.Format(time.RFC3339)),
		)
	}
	return nil
}
