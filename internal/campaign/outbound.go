package campaign

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/natemoovs/zerochurn/internal/domain"
	"github.com/natemoovs/zerochurn/internal/pkg/httpretry"
	"github.com/natemoovs/zerochurn/internal/pkg/logger"
)

// WebhookPayload is the body posted by webhook steps.
type WebhookPayload struct {
	CampaignID   uuid.UUID          `json:"campaign_id"`
	EnrollmentID uuid.UUID          `json:"enrollment_id"`
	AccountID    uuid.UUID          `json:"account_id"`
	AccountName  string             `json:"account_name"`
	StepOrder    int                `json:"step_order"`
	HealthClass  domain.HealthClass `json:"health_class"`
	FiredAt      time.Time          `json:"fired_at"`
}

type outboundCall struct {
	url     string
	payload WebhookPayload
}

// WebhookDispatcher posts webhook-step calls off the tick goroutine. Send
// never blocks: a slow endpoint cannot stall the campaign batch. Calls are
// dropped with a warning when the queue is full.
type WebhookDispatcher struct {
	client *httpretry.Client
	queue  chan outboundCall

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebhookDispatcher creates a dispatcher with the given queue depth.
func NewWebhookDispatcher(queueSize int) *WebhookDispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &WebhookDispatcher{
		client: httpretry.New(&http.Client{Timeout: 15 * time.Second}, 3),
		queue:  make(chan outboundCall, queueSize),
	}
}

// Start launches the delivery loop.
func (d *WebhookDispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	logger.Info("webhook dispatcher started", "queue_size", cap(d.queue))
}

// Stop cancels the loop and waits for the in-flight call to finish.
func (d *WebhookDispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	logger.Info("webhook dispatcher stopped")
}

// Send enqueues a call. Fire and forget: delivery failures are logged by
// the loop, never surfaced to the caller.
func (d *WebhookDispatcher) Send(url string, payload WebhookPayload) {
	select {
	case d.queue <- outboundCall{url: url, payload: payload}:
	default:
		logger.Warn("webhook queue full, call dropped",
			"url", url, "enrollment_id", payload.EnrollmentID.String())
	}
}

func (d *WebhookDispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case call := <-d.queue:
			d.deliver(ctx, call)
		}
	}
}

func (d *WebhookDispatcher) deliver(ctx context.Context, call outboundCall) {
	body, err := json.Marshal(call.payload)
	if err != nil {
		logger.Error("webhook payload marshal failed", "error", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, call.url, bytes.NewReader(body))
	if err != nil {
		logger.Error("webhook request build failed", "url", call.url, "error", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		logger.Warn("webhook delivery failed",
			"url", call.url, "enrollment_id", call.payload.EnrollmentID.String(), "error", err.Error())
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		logger.Warn("webhook delivery rejected",
			"url", call.url, "status", resp.StatusCode)
		return
	}
	logger.Debug("webhook delivered", "url", call.url, "status", resp.StatusCode)
}
