package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentHealth summarizes the payment state of an account.
type PaymentHealth string

const (
	PaymentGood     PaymentHealth = "good"
	PaymentWarning  PaymentHealth = "warning"
	PaymentCritical PaymentHealth = "critical"
)

// AccountSignals is the read-mostly per-account projection the engine
// consumes. It is refreshed by the ingestion layer (an external
// collaborator) and mutated by the event reactor on billing events.
type AccountSignals struct {
	AccountID         uuid.UUID `json:"account_id" db:"id"`
	Name              string    `json:"name" db:"name"`
	BillingCustomerID string    `json:"billing_customer_id" db:"billing_customer_id"`

	MRR      float64 `json:"mrr" db:"mrr"`
	PlanTier string  `json:"plan_tier" db:"plan_tier"`

	TotalTrips         int `json:"total_trips" db:"total_trips"`
	TripsLast30Days    int `json:"trips_last_30_days" db:"trips_last_30_days"`
	DaysSinceLastLogin int `json:"days_since_last_login" db:"days_since_last_login"`

	PaymentSuccessRate float64       `json:"payment_success_rate" db:"payment_success_rate"`
	FailedPaymentCount int           `json:"failed_payment_count" db:"failed_payment_count"`
	DisputeCount       int           `json:"dispute_count" db:"dispute_count"`
	PaymentHealth      PaymentHealth `json:"payment_health" db:"payment_health"`

	OpenTicketCount   int `json:"open_ticket_count" db:"open_ticket_count"`
	TicketsLast30Days int `json:"tickets_last_30_days" db:"tickets_last_30_days"`

	ContractEndDate  *time.Time `json:"contract_end_date" db:"contract_end_date"`
	MonthsAsCustomer int        `json:"months_as_customer" db:"months_as_customer"`

	StakeholderCount  int      `json:"stakeholder_count" db:"stakeholder_count"`
	HasChampion       bool     `json:"has_champion" db:"has_champion"`
	SatisfactionScore *float64 `json:"satisfaction_score" db:"satisfaction_score"` // nil when never surveyed

	// ChurnFlagged is the explicit churn flag set by a CSM or by the
	// cancellation path. A hard risk signal for the classifier.
	ChurnFlagged bool `json:"churn_flagged" db:"churn_flagged"`

	// HealthClass is the stored class on the account record. Normally it
	// mirrors the latest snapshot; the reactor overrides it to churned on
	// subscription cancellation.
	HealthClass HealthClass `json:"health_class" db:"health_class"`
}

// Activity is one audit-log entry. Every component writes these for
// operator-visible side effects (step executed, email intended, payment
// event handled).
type Activity struct {
	ID          uuid.UUID `json:"id" db:"id"`
	AccountID   uuid.UUID `json:"account_id" db:"account_id"`
	Kind        string    `json:"kind" db:"kind"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
