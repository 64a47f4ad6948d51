// Package health classifies account signals into a discrete health class.
package health

import (
	"github.com/natemoovs/zerochurn/internal/domain"
)

// Signal labels emitted by the classifier. Stable strings: they are
// persisted on snapshots and matched by the churn model and dashboards.
const (
	RiskChurnFlagged     = "churn_flagged"
	RiskInactive         = "inactive"
	RiskNoRecentUsage    = "no_recent_usage"
	RiskFailedPayments   = "failed_payments"
	RiskLowPaymentRate   = "low_payment_success"
	RiskTicketSurge      = "ticket_surge"
	PositiveRecentLogin  = "recently_active"
	PositiveHealthyUsage = "healthy_usage"
	PositiveGoodPayments = "payments_healthy"
	PositiveHasChampion  = "has_champion"
)

// Thresholds are the tunable cutoffs for the independent signal checks.
type Thresholds struct {
	InactivityDays     int
	LowUsageTrips      int
	FailedPaymentLimit int
	MinPaymentSuccess  float64
	TicketSurgeLimit   int
}

// DefaultThresholds returns production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		InactivityDays:     30,
		LowUsageTrips:      1,
		FailedPaymentLimit: 2,
		MinPaymentSuccess:  0.80,
		TicketSurgeLimit:   5,
	}
}

// Classifier maps a signal set to a health class plus named signals.
// Classify is deterministic and has no side effects.
type Classifier struct {
	t Thresholds
}

// NewClassifier creates a classifier with the given thresholds.
func NewClassifier(t Thresholds) *Classifier {
	return &Classifier{t: t}
}

// Classify evaluates the independent signal checks, then applies the
// priority cascade. The cascade ORDER is load-bearing: a hard risk label
// forces red before counting, two risks force red before the single-risk
// yellow, and positives only matter when no risk fired. Reordering these
// rules changes the classification of borderline accounts.
func (c *Classifier) Classify(s domain.AccountSignals) domain.HealthResult {
	var risks, positives []string
	hard := false

	// Hard risk: explicit churn flag.
	if s.ChurnFlagged {
		risks = append(risks, RiskChurnFlagged)
		hard = true
	}

	// Inactivity.
	if s.DaysSinceLastLogin >= c.t.InactivityDays {
		risks = append(risks, RiskInactive)
	} else if s.DaysSinceLastLogin >= 0 && s.DaysSinceLastLogin <= 7 {
		positives = append(positives, PositiveRecentLogin)
	}

	// Usage volume.
	if s.TripsLast30Days < c.t.LowUsageTrips {
		risks = append(risks, RiskNoRecentUsage)
	} else if s.TripsLast30Days >= c.t.LowUsageTrips*10 {
		positives = append(positives, PositiveHealthyUsage)
	}

	// Payment health.
	switch {
	case s.FailedPaymentCount >= c.t.FailedPaymentLimit:
		risks = append(risks, RiskFailedPayments)
	case s.PaymentSuccessRate > 0 && s.PaymentSuccessRate < c.t.MinPaymentSuccess:
		risks = append(risks, RiskLowPaymentRate)
	case s.PaymentHealth == domain.PaymentGood && s.PaymentSuccessRate >= c.t.MinPaymentSuccess:
		positives = append(positives, PositiveGoodPayments)
	}

	// Support load.
	if s.TicketsLast30Days >= c.t.TicketSurgeLimit {
		risks = append(risks, RiskTicketSurge)
	}

	// Stakeholder engagement.
	if s.HasChampion {
		positives = append(positives, PositiveHasChampion)
	}

	class := domain.HealthUnknown
	switch {
	case hard:
		class = domain.HealthRed
	case len(risks) >= 2:
		class = domain.HealthRed
	case len(risks) == 1:
		class = domain.HealthYellow
	case len(positives) >= 1:
		class = domain.HealthGreen
	}

	return domain.HealthResult{
		Class:           class,
		RiskSignals:     risks,
		PositiveSignals: positives,
	}
}
