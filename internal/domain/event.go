package domain

import "time"

// BillingEventType enumerates the external lifecycle events the reactor
// handles.
type BillingEventType string

const (
	EventPaymentFailed        BillingEventType = "payment_failed"
	EventPaymentSucceeded     BillingEventType = "payment_succeeded"
	EventSubscriptionUpdated  BillingEventType = "subscription_updated"
	EventSubscriptionCanceled BillingEventType = "subscription_canceled"
	EventDisputeCreated       BillingEventType = "dispute_created"
)

// BillingEvent is one external billing lifecycle event, normalized from
// the provider's webhook payload. ID is the provider's event id and
// doubles as the idempotency key.
type BillingEvent struct {
	ID                string           `json:"id"`
	Type              BillingEventType `json:"type"`
	BillingCustomerID string           `json:"billing_customer_id"`

	// payment events
	Amount       float64 `json:"amount,omitempty"` // dollars
	AttemptCount int     `json:"attempt_count,omitempty"`

	// subscription events
	NewMRR             float64 `json:"new_mrr,omitempty"`
	PreviousMRR        float64 `json:"previous_mrr,omitempty"`
	SubscriptionStatus string  `json:"subscription_status,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// ReactorStatus is the outcome class of one handled event.
type ReactorStatus string

const (
	ReactorProcessed ReactorStatus = "processed"
	ReactorSkipped   ReactorStatus = "skipped"
	ReactorFailed    ReactorStatus = "failed"
)

// ReactorResult is the structured outcome of handling one billing event.
type ReactorResult struct {
	EventID string        `json:"event_id"`
	Status  ReactorStatus `json:"status"`
	Reason  string        `json:"reason,omitempty"`
}
