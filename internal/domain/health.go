package domain

import (
	"time"

	"github.com/google/uuid"
)

// HealthClass is the discrete health classification of an account.
type HealthClass string

const (
	HealthGreen   HealthClass = "green"
	HealthYellow  HealthClass = "yellow"
	HealthRed     HealthClass = "red"
	HealthUnknown HealthClass = "unknown"

	// HealthChurned is a terminal override stored on the account record
	// when a subscription is canceled. The classifier never emits it.
	HealthChurned HealthClass = "churned"
)

// SeverityRank maps a health class onto one canonical total order used
// everywhere transitions or sorts are computed. Lower is worse.
// Unknown deliberately ranks equal to yellow: a first observation with no
// signals is treated as cautionary, not healthy.
func (h HealthClass) SeverityRank() int {
	switch h {
	case HealthRed, HealthChurned:
		return 0
	case HealthYellow, HealthUnknown:
		return 1
	case HealthGreen:
		return 2
	default:
		return 1
	}
}

// Valid reports whether h is one of the four classifier outputs.
func (h HealthClass) Valid() bool {
	switch h {
	case HealthGreen, HealthYellow, HealthRed, HealthUnknown:
		return true
	}
	return false
}

// HealthResult is the classifier's output for one account.
type HealthResult struct {
	Class           HealthClass `json:"health_class"`
	RiskSignals     []string    `json:"risk_signals"`
	PositiveSignals []string    `json:"positive_signals"`
}

// HealthSnapshot is one immutable observation of an account's health.
// Snapshots are insert-only and totally ordered per account by CreatedAt.
type HealthSnapshot struct {
	ID              uuid.UUID   `json:"id" db:"id"`
	AccountID       uuid.UUID   `json:"account_id" db:"account_id"`
	AccountName     string      `json:"account_name" db:"account_name"`
	Class           HealthClass `json:"health_class" db:"health_class"`
	MRR             float64     `json:"mrr" db:"mrr"`
	TotalTrips      int         `json:"total_trips" db:"total_trips"`
	TripsLast30Days int         `json:"trips_last_30_days" db:"trips_last_30_days"`
	RiskSignals     []string    `json:"risk_signals" db:"risk_signals"`
	PositiveSignals []string    `json:"positive_signals" db:"positive_signals"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

// TransitionKind classifies a health change between consecutive snapshots.
type TransitionKind string

const (
	TransitionImproved TransitionKind = "improved"
	TransitionDeclined TransitionKind = "declined"
	// TransitionNew marks a first observation with no prior snapshot in
	// the lookback window. Only emitted when the fresh class is red.
	TransitionNew TransitionKind = "new"
)

// HealthTransition is a detected change in health class for one account.
type HealthTransition struct {
	AccountID   uuid.UUID      `json:"account_id"`
	AccountName string         `json:"account_name"`
	Kind        TransitionKind `json:"kind"`
	From        HealthClass    `json:"from,omitempty"` // empty for TransitionNew
	To          HealthClass    `json:"to"`
	DetectedAt  time.Time      `json:"detected_at"`
}

// ClassifyTransition compares two classes on the canonical severity order.
// It returns TransitionDeclined when to is worse than from, TransitionImproved
// when better, and "" when the ranks are equal (no actionable change).
func ClassifyTransition(from, to HealthClass) TransitionKind {
	switch {
	case to.SeverityRank() < from.SeverityRank():
		return TransitionDeclined
	case to.SeverityRank() > from.SeverityRank():
		return TransitionImproved
	default:
		return ""
	}
}
