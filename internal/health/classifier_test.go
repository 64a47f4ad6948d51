package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natemoovs/zerochurn/internal/domain"
)

func healthySignals() domain.AccountSignals {
	return domain.AccountSignals{
		Name:               "Acme Limo",
		DaysSinceLastLogin: 2,
		TotalTrips:         400,
		TripsLast30Days:    40,
		PaymentSuccessRate: 0.99,
		PaymentHealth:      domain.PaymentGood,
		HasChampion:        true,
	}
}

func TestClassifyChurnFlaggedInactiveAccount(t *testing.T) {
	c := NewClassifier(DefaultThresholds())

	res := c.Classify(domain.AccountSignals{
		DaysSinceLastLogin: 90,
		TotalTrips:         0,
		TripsLast30Days:    0,
		ChurnFlagged:       true,
	})

	assert.Equal(t, domain.HealthRed, res.Class)
	assert.Contains(t, res.RiskSignals, RiskChurnFlagged)
	assert.Contains(t, res.RiskSignals, RiskInactive)
	assert.Contains(t, res.RiskSignals, RiskNoRecentUsage)
}

func TestClassifyHealthyAccountIsGreen(t *testing.T) {
	c := NewClassifier(DefaultThresholds())

	res := c.Classify(healthySignals())

	assert.Equal(t, domain.HealthGreen, res.Class)
	assert.Empty(t, res.RiskSignals)
	assert.Contains(t, res.PositiveSignals, PositiveRecentLogin)
	assert.Contains(t, res.PositiveSignals, PositiveHasChampion)
}

func TestClassifyCascadeOrdering(t *testing.T) {
	c := NewClassifier(DefaultThresholds())

	tests := []struct {
		name    string
		signals domain.AccountSignals
		want    domain.HealthClass
	}{
		{
			// A single hard label outranks any number of positives.
			name: "churn flag beats positives",
			signals: func() domain.AccountSignals {
				s := healthySignals()
				s.ChurnFlagged = true
				return s
			}(),
			want: domain.HealthRed,
		},
		{
			name: "two soft risks are red",
			signals: domain.AccountSignals{
				DaysSinceLastLogin: 45,
				TripsLast30Days:    0,
			},
			want: domain.HealthRed,
		},
		{
			name: "one soft risk is yellow even with positives",
			signals: domain.AccountSignals{
				DaysSinceLastLogin: 45,
				TripsLast30Days:    25,
				PaymentSuccessRate: 0.99,
				PaymentHealth:      domain.PaymentGood,
				HasChampion:        true,
			},
			want: domain.HealthYellow,
		},
		{
			name: "no signals at all is unknown",
			signals: domain.AccountSignals{
				DaysSinceLastLogin: 10,
				TripsLast30Days:    2,
			},
			want: domain.HealthUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(tt.signals)
			assert.Equal(t, tt.want, res.Class)
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	c := NewClassifier(DefaultThresholds())
	s := healthySignals()

	first := c.Classify(s)
	for i := 0; i < 10; i++ {
		again := c.Classify(s)
		require.Equal(t, first, again)
	}
}

func TestSeverityRankOrdering(t *testing.T) {
	// Canonical order: red < yellow == unknown < green.
	assert.Less(t, domain.HealthRed.SeverityRank(), domain.HealthYellow.SeverityRank())
	assert.Equal(t, domain.HealthYellow.SeverityRank(), domain.HealthUnknown.SeverityRank())
	assert.Less(t, domain.HealthUnknown.SeverityRank(), domain.HealthGreen.SeverityRank())
}
