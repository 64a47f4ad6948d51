// Package churn predicts churn risk from account signals.
//
// The model is a weighted heuristic, not a trained one: nine independent
// features each contribute a signed score inside a fixed weight budget
// that sums to 1.0, added to a neutral 50% baseline. The predicted churn
// date in particular is a simplification (horizon shrinks as probability
// rises), not a survival-analysis estimate; it sits behind DateStrategy
// so a calibrated model can replace it without touching callers.
package churn

import (
	"math"
	"time"

	"github.com/natemoovs/zerochurn/internal/domain"
)

// Confidence expresses how much of the input was actually present. The
// probability number is meaningless on sparse data, so callers should
// treat low-confidence predictions as "insufficient signal", not "safe".
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Trend is the direction the account appears to be moving.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// Risk and protective factor labels.
const (
	FactorLongInactivity   = "long_inactivity"
	FactorNoUsage          = "no_usage"
	FactorUsageDropping    = "usage_dropping"
	FactorPoorHealth       = "poor_health"
	FactorLowSatisfaction  = "low_satisfaction"
	FactorNoStakeholders   = "no_stakeholders"
	FactorNewCustomer      = "new_customer"
	FactorPaymentTrouble   = "payment_trouble"
	FactorLowAdoption      = "low_feature_adoption"
	FactorRecentlyActive   = "recently_active"
	FactorUsageGrowing     = "usage_growing"
	FactorGoodHealth       = "good_health"
	FactorHighSatisfaction = "high_satisfaction"
	FactorHasChampion      = "has_champion"
	FactorLongTenure       = "long_tenure"
	FactorPaymentsClean    = "payments_clean"
)

// Context carries auxiliary inputs that are not part of the raw signal
// set: the current health class and the previous 30-day usage figure for
// trend detection (zero when unknown).
type Context struct {
	HealthClass      domain.HealthClass
	PriorTripsLast30 int
}

// Prediction is the model output for one account.
type Prediction struct {
	Probability        int        `json:"probability"` // 0-100
	Confidence         Confidence `json:"confidence"`
	RiskFactors        []string   `json:"risk_factors"`
	ProtectiveFactors  []string   `json:"protective_factors"`
	Trend              Trend      `json:"trend"`
	PredictedChurnDate *time.Time `json:"predicted_churn_date"`
	RecommendedActions []string   `json:"recommended_actions"`
}

// Tier buckets the probability for list filtering.
func (p Prediction) Tier() string {
	switch {
	case p.Probability >= 70:
		return "high"
	case p.Probability >= 40:
		return "medium"
	default:
		return "low"
	}
}

// Weights is the per-feature budget. The nine weights sum to 1.0; each
// feature contributes in [-w, +w] where positive raises churn risk.
type Weights struct {
	Inactivity   float64
	UsageVolume  float64
	UsageTrend   float64
	HealthClass  float64
	Satisfaction float64
	Stakeholders float64
	Tenure       float64
	Payments     float64
	Adoption     float64
}

// DefaultWeights returns the production weight budget (sums to 1.0).
func DefaultWeights() Weights {
	return Weights{
		Inactivity:   0.20,
		UsageVolume:  0.10,
		UsageTrend:   0.10,
		HealthClass:  0.15,
		Satisfaction: 0.10,
		Stakeholders: 0.10,
		Tenure:       0.05,
		Payments:     0.15,
		Adoption:     0.05,
	}
}

// DateStrategy produces a predicted churn date from a probability.
type DateStrategy func(probability int, now time.Time) *time.Time

// HeuristicDate is the default strategy: only predict above 70, with a
// horizon of max(14, 90-probability) days. Documented simplification.
func HeuristicDate(probability int, now time.Time) *time.Time {
	if probability <= 70 {
		return nil
	}
	days := 90 - probability
	if days < 14 {
		days = 14
	}
	d := now.AddDate(0, 0, days)
	return &d
}

// actionsByFactor maps fired risk factors to recommended actions.
var actionsByFactor = map[string]string{
	FactorLongInactivity:  "Schedule a re-engagement call with the primary contact",
	FactorNoUsage:         "Book a product walkthrough to restart usage",
	FactorUsageDropping:   "Review recent usage drop with the account owner",
	FactorPoorHealth:      "Open a save-play and assign a senior CSM",
	FactorLowSatisfaction: "Follow up on the latest satisfaction survey response",
	FactorNoStakeholders:  "Map stakeholders and identify a champion",
	FactorNewCustomer:     "Run the 30-day onboarding check-in",
	FactorPaymentTrouble:  "Have billing reach out about failed payments",
	FactorLowAdoption:     "Share feature adoption playbook for their plan tier",
}

// Model computes churn predictions. Predict is pure.
type Model struct {
	weights Weights
	dateFor DateStrategy
	now     func() time.Time
}

// NewModel creates a model with the given weights. A nil strategy uses
// HeuristicDate.
func NewModel(w Weights, ds DateStrategy) *Model {
	if ds == nil {
		ds = HeuristicDate
	}
	return &Model{weights: w, dateFor: ds, now: time.Now}
}

// Predict scores one account.
func (m *Model) Predict(s domain.AccountSignals, ctx Context) Prediction {
	w := m.weights
	score := 0.5 // neutral baseline
	var risks, protective []string

	addRisk := func(label string, contribution float64) {
		score += contribution
		risks = append(risks, label)
	}
	addProtective := func(label string, contribution float64) {
		score -= contribution
		protective = append(protective, label)
	}

	// 1. Inactivity.
	switch {
	case s.DaysSinceLastLogin >= 60:
		addRisk(FactorLongInactivity, w.Inactivity)
	case s.DaysSinceLastLogin >= 30:
		addRisk(FactorLongInactivity, w.Inactivity/2)
	case s.DaysSinceLastLogin >= 0 && s.DaysSinceLastLogin <= 7:
		addProtective(FactorRecentlyActive, w.Inactivity)
	}

	// 2. Usage volume.
	switch {
	case s.TripsLast30Days == 0:
		addRisk(FactorNoUsage, w.UsageVolume)
	case s.TripsLast30Days >= 20:
		addProtective(FactorUsageGrowing, w.UsageVolume/2)
	}

	// 3. Usage trend vs the prior 30-day window.
	if ctx.PriorTripsLast30 > 0 {
		ratio := float64(s.TripsLast30Days) / float64(ctx.PriorTripsLast30)
		switch {
		case ratio < 0.5:
			addRisk(FactorUsageDropping, w.UsageTrend)
		case ratio > 1.5:
			addProtective(FactorUsageGrowing, w.UsageTrend)
		}
	}

	// 4. Health class.
	switch ctx.HealthClass {
	case domain.HealthRed:
		addRisk(FactorPoorHealth, w.HealthClass)
	case domain.HealthYellow:
		addRisk(FactorPoorHealth, w.HealthClass/2)
	case domain.HealthGreen:
		addProtective(FactorGoodHealth, w.HealthClass)
	}

	// 5. Satisfaction.
	if s.SatisfactionScore != nil {
		switch {
		case *s.SatisfactionScore <= 6:
			addRisk(FactorLowSatisfaction, w.Satisfaction)
		case *s.SatisfactionScore >= 9:
			addProtective(FactorHighSatisfaction, w.Satisfaction)
		}
	}

	// 6. Stakeholder engagement.
	switch {
	case s.HasChampion:
		addProtective(FactorHasChampion, w.Stakeholders)
	case s.StakeholderCount == 0:
		addRisk(FactorNoStakeholders, w.Stakeholders)
	}

	// 7. Tenure.
	switch {
	case s.MonthsAsCustomer > 0 && s.MonthsAsCustomer <= 3:
		addRisk(FactorNewCustomer, w.Tenure)
	case s.MonthsAsCustomer == 0:
		addRisk(FactorNewCustomer, w.Tenure)
	case s.MonthsAsCustomer >= 24:
		addProtective(FactorLongTenure, w.Tenure)
	}

	// 8. Payment history.
	switch {
	case s.FailedPaymentCount >= 2 || s.PaymentHealth == domain.PaymentCritical:
		addRisk(FactorPaymentTrouble, w.Payments)
	case s.FailedPaymentCount == 1:
		addRisk(FactorPaymentTrouble, w.Payments/2)
	case s.PaymentSuccessRate >= 0.95:
		addProtective(FactorPaymentsClean, w.Payments/2)
	}

	// 9. Feature adoption, proxied by lifetime usage relative to tenure.
	if s.MonthsAsCustomer >= 3 {
		perMonth := float64(s.TotalTrips) / float64(s.MonthsAsCustomer)
		if perMonth < 1 {
			addRisk(FactorLowAdoption, w.Adoption)
		}
	}

	probability := int(math.Round(clamp01(score) * 100))

	trend := TrendStable
	if len(risks)-len(protective) > 1 {
		trend = TrendDeclining
	} else if len(protective)-len(risks) > 1 {
		trend = TrendImproving
	}

	return Prediction{
		Probability:        probability,
		Confidence:         confidenceFor(s),
		RiskFactors:        risks,
		ProtectiveFactors:  protective,
		Trend:              trend,
		PredictedChurnDate: m.dateFor(probability, m.now()),
		RecommendedActions: recommend(risks),
	}
}

// confidenceFor is a step function of how many tracked inputs were
// actually present rather than defaulted. Five presence flags: login
// recency, usage history, satisfaction survey, stakeholder map, payment
// history. >=4 present is high, >=2 medium, else low.
func confidenceFor(s domain.AccountSignals) Confidence {
	present := 0
	// DaysSinceLastLogin of 0 means both "logged in today" and "never
	// observed"; the signal store has no separate presence marker, so a
	// same-day login reads as absent and under-counts by one flag.
	if s.DaysSinceLastLogin > 0 {
		present++
	}
	if s.TotalTrips > 0 {
		present++
	}
	if s.SatisfactionScore != nil {
		present++
	}
	if s.StakeholderCount > 0 {
		present++
	}
	if s.PaymentSuccessRate > 0 || s.FailedPaymentCount > 0 {
		present++
	}

	switch {
	case present >= 4:
		return ConfidenceHigh
	case present >= 2:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// recommend maps fired risk factors to actions, deduplicated, capped at 4.
func recommend(risks []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range risks {
		action, ok := actionsByFactor[r]
		if !ok || seen[action] {
			continue
		}
		seen[action] = true
		out = append(out, action)
		if len(out) == 4 {
			break
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
