package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/natemoovs/zerochurn/internal/campaign"
	"github.com/natemoovs/zerochurn/internal/churn"
	"github.com/natemoovs/zerochurn/internal/domain"
	"github.com/natemoovs/zerochurn/internal/escalation"
	"github.com/natemoovs/zerochurn/internal/health"
	"github.com/natemoovs/zerochurn/internal/repository/postgres"
	"github.com/natemoovs/zerochurn/internal/snapshot"
)

// AccountReader reads account signal sets.
type AccountReader interface {
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)
	FetchSignals(ctx context.Context, id uuid.UUID) (*domain.AccountSignals, error)
}

// SnapshotReader reads the snapshot history.
type SnapshotReader interface {
	LatestWithin(ctx context.Context, accountID uuid.UUID, since time.Time) (*domain.HealthSnapshot, error)
	LatestBefore(ctx context.Context, accountID uuid.UUID, cutoff time.Time) (*domain.HealthSnapshot, error)
}

// SnapshotTrigger runs one snapshot batch on demand.
type SnapshotTrigger interface {
	Run(ctx context.Context) (*snapshot.Summary, error)
}

// CampaignService exposes the campaign engine's operations.
type CampaignService interface {
	Tick(ctx context.Context) (*campaign.TickSummary, error)
	Enroll(ctx context.Context, campaignID uuid.UUID, accountIDs []uuid.UUID) (*campaign.EnrollSummary, error)
}

// EscalationTrigger runs one escalation sweep on demand.
type EscalationTrigger interface {
	Run(ctx context.Context) (*escalation.Summary, error)
}

// TaskReader queries the task ledger.
type TaskReader interface {
	List(ctx context.Context, f postgres.TaskFilter) ([]domain.Task, error)
}

// EscalationReader queries escalation records.
type EscalationReader interface {
	List(ctx context.Context, accountID *uuid.UUID, limit int) ([]domain.EscalationRecord, error)
}

// EventHandler processes inbound billing events with retry.
type EventHandler interface {
	HandleWithRetry(ctx context.Context, ev domain.BillingEvent, attempts int) (domain.ReactorResult, error)
}

// WorkerProbe reports background-loop liveness. Nil in API-only deployments.
type WorkerProbe interface {
	Healthy() bool
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	accounts      AccountReader
	snapshots     SnapshotReader
	snapshotRun   SnapshotTrigger
	campaigns     CampaignService
	escalations   EscalationTrigger
	tasks         TaskReader
	escalationLog EscalationReader
	events        EventHandler
	worker        WorkerProbe

	classifier *health.Classifier
	model      *churn.Model

	lookback      time.Duration
	webhookSecret string
	eventRetries  int
}

// NewHandlers wires the handler dependencies.
func NewHandlers(accounts AccountReader, snapshots SnapshotReader, snapshotRun SnapshotTrigger,
	campaigns CampaignService, escalations EscalationTrigger, tasks TaskReader,
	escalationLog EscalationReader, events EventHandler, worker WorkerProbe,
	classifier *health.Classifier, model *churn.Model,
	lookback time.Duration, webhookSecret string, eventRetries int) *Handlers {
	if lookback <= 0 {
		lookback = 48 * time.Hour
	}
	if eventRetries <= 0 {
		eventRetries = 3
	}
	return &Handlers{
		accounts:      accounts,
		snapshots:     snapshots,
		snapshotRun:   snapshotRun,
		campaigns:     campaigns,
		escalations:   escalations,
		tasks:         tasks,
		escalationLog: escalationLog,
		events:        events,
		worker:        worker,
		classifier:    classifier,
		model:         model,
		lookback:      lookback,
		webhookSecret: webhookSecret,
		eventRetries:  eventRetries,
	}
}

// HealthCheck is the liveness probe.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if h.worker != nil {
		status["worker"] = h.worker.Healthy()
	}
	respondJSON(w, http.StatusOK, status)
}

// AccountHealth returns the account's current health class plus signals.
// It prefers the latest persisted snapshot within the lookback window and
// falls back to a live classification when none exists yet.
func (h *Handlers) AccountHealth(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	snap, err := h.snapshots.LatestWithin(r.Context(), id, time.Now().Add(-h.lookback))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "snapshot lookup failed")
		return
	}
	if snap != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"account_id":       snap.AccountID,
			"health_class":     snap.Class,
			"risk_signals":     snap.RiskSignals,
			"positive_signals": snap.PositiveSignals,
			"as_of":            snap.CreatedAt,
			"source":           "snapshot",
		})
		return
	}

	signals, err := h.accounts.FetchSignals(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		respondError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "signal fetch failed")
		return
	}

	result := h.classifier.Classify(*signals)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":       id,
		"health_class":     result.Class,
		"risk_signals":     result.RiskSignals,
		"positive_signals": result.PositiveSignals,
		"as_of":            time.Now().UTC(),
		"source":           "live",
	})
}

// AccountChurn returns the churn prediction for one account.
func (h *Handlers) AccountChurn(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	signals, err := h.accounts.FetchSignals(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		respondError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "signal fetch failed")
		return
	}

	prediction := h.model.Predict(*signals, h.churnContext(r.Context(), signals))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": id,
		"tier":       prediction.Tier(),
		"prediction": prediction,
	})
}

// priorUsageWindow is how far back the churn model's trend feature looks
// for the previous 30-day usage figure.
const priorUsageWindow = 30 * 24 * time.Hour

// churnContext builds the model's auxiliary inputs. The prior usage
// figure comes from the snapshot closest to 30 days ago; accounts with
// no history that old score without the trend feature.
func (h *Handlers) churnContext(ctx context.Context, signals *domain.AccountSignals) churn.Context {
	c := churn.Context{HealthClass: signals.HealthClass}
	prior, err := h.snapshots.LatestBefore(ctx, signals.AccountID, time.Now().Add(-priorUsageWindow))
	if err == nil && prior != nil {
		c.PriorTripsLast30 = prior.TripsLast30Days
	}
	return c
}

type churnEntry struct {
	AccountID  uuid.UUID        `json:"account_id"`
	Name       string           `json:"name"`
	Tier       string           `json:"tier"`
	Prediction churn.Prediction `json:"prediction"`
}

// BulkChurn scores every account, optionally filtered by risk tier.
func (h *Handlers) BulkChurn(w http.ResponseWriter, r *http.Request) {
	tier := r.URL.Query().Get("tier")
	if tier != "" && tier != "high" && tier != "medium" && tier != "low" {
		respondError(w, http.StatusBadRequest, "tier must be high, medium or low")
		return
	}

	ids, err := h.accounts.ListAccountIDs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "account list failed")
		return
	}

	entries := make([]churnEntry, 0, len(ids))
	skipped := 0
	for _, id := range ids {
		signals, err := h.accounts.FetchSignals(r.Context(), id)
		if err != nil {
			skipped++
			continue
		}
		p := h.model.Predict(*signals, h.churnContext(r.Context(), signals))
		if tier != "" && p.Tier() != tier {
			continue
		}
		entries = append(entries, churnEntry{
			AccountID:  id,
			Name:       signals.Name,
			Tier:       p.Tier(),
			Prediction: p,
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"skipped": skipped,
		"results": entries,
	})
}

// RunSnapshots triggers a snapshot batch out of schedule.
func (h *Handlers) RunSnapshots(w http.ResponseWriter, r *http.Request) {
	summary, err := h.snapshotRun.Run(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

type enrollRequest struct {
	AccountIDs []uuid.UUID `json:"account_ids"`
}

// EnrollCampaign enrolls a set of accounts into a campaign.
func (h *Handlers) EnrollCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	var req enrollRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.AccountIDs) == 0 {
		respondError(w, http.StatusBadRequest, "account_ids is required")
		return
	}

	summary, err := h.campaigns.Enroll(r.Context(), campaignID, req.AccountIDs)
	if errors.Is(err, postgres.ErrNotFound) {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// TickCampaigns runs a campaign tick out of schedule.
func (h *Handlers) TickCampaigns(w http.ResponseWriter, r *http.Request) {
	summary, err := h.campaigns.Tick(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// RunEscalations runs the escalation monitor out of schedule.
func (h *Handlers) RunEscalations(w http.ResponseWriter, r *http.Request) {
	summary, err := h.escalations.Run(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// ListTasks queries the task ledger with optional filters.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter := postgres.TaskFilter{}

	if v := r.URL.Query().Get("account_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid account_id")
			return
		}
		filter.AccountID = &id
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = domain.TaskStatus(v)
	}
	if v := r.URL.Query().Get("source"); v != "" {
		filter.Source = domain.TaskSource(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	tasks, err := h.tasks.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "task query failed")
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(tasks),
		"tasks": tasks,
	})
}

// ListEscalations queries escalation records, optionally for one account.
func (h *Handlers) ListEscalations(w http.ResponseWriter, r *http.Request) {
	var accountID *uuid.UUID
	if v := r.URL.Query().Get("account_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid account_id")
			return
		}
		accountID = &id
	}

	records, err := h.escalationLog.List(r.Context(), accountID, 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "escalation query failed")
		return
	}
	if records == nil {
		records = []domain.EscalationRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":       len(records),
		"escalations": records,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
