package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/natemoovs/zerochurn/internal/domain"
	"github.com/natemoovs/zerochurn/internal/pkg/logger"
)

const maxWebhookBody = 1 << 20 // 1MB

type billingWebhookRequest struct {
	Events []domain.BillingEvent `json:"events"`
}

// BillingWebhook receives billing provider events. Auth is a shared
// secret in X-Webhook-Secret. Every event in the batch is handled
// independently; the response carries per-event results so the provider
// can see which events were skipped or failed.
func (h *Handlers) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" {
		respondError(w, http.StatusServiceUnavailable, "billing webhooks are not configured")
		return
	}
	provided := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(h.webhookSecret)) != 1 {
		respondError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	var req billingWebhookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "no events in payload")
		return
	}

	results := make([]domain.ReactorResult, 0, len(req.Events))
	for _, ev := range req.Events {
		if ev.ID == "" || ev.Type == "" {
			results = append(results, domain.ReactorResult{
				EventID: ev.ID,
				Status:  domain.ReactorSkipped,
				Reason:  "missing event id or type",
			})
			continue
		}

		result, err := h.events.HandleWithRetry(r.Context(), ev, h.eventRetries)
		if err != nil {
			logger.Error("billing event failed after retries",
				"event_id", ev.ID, "type", string(ev.Type), "error", err.Error())
			if result.Reason == "" {
				result.Reason = err.Error()
			}
		}
		results = append(results, result)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"received": len(req.Events),
		"results":  results,
	})
}
