// Package postgres implements the engine's repositories against
// PostgreSQL using database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/natemoovs/zerochurn/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// AccountRepo reads and mutates the account signal store.
type AccountRepo struct{ db *sql.DB }

// NewAccountRepo creates a Postgres-backed account repository.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

const accountColumns = `
	id, name, COALESCE(billing_customer_id,''), mrr, COALESCE(plan_tier,''),
	total_trips, trips_last_30_days, days_since_last_login,
	payment_success_rate, failed_payment_count, dispute_count, payment_health,
	open_ticket_count, tickets_last_30_days,
	contract_end_date, months_as_customer,
	stakeholder_count, has_champion, satisfaction_score,
	churn_flagged, health_class`

func scanAccount(row interface{ Scan(...interface{}) error }) (*domain.AccountSignals, error) {
	s := &domain.AccountSignals{}
	var contractEnd sql.NullTime
	var satisfaction sql.NullFloat64
	err := row.Scan(
		&s.AccountID, &s.Name, &s.BillingCustomerID, &s.MRR, &s.PlanTier,
		&s.TotalTrips, &s.TripsLast30Days, &s.DaysSinceLastLogin,
		&s.PaymentSuccessRate, &s.FailedPaymentCount, &s.DisputeCount, &s.PaymentHealth,
		&s.OpenTicketCount, &s.TicketsLast30Days,
		&contractEnd, &s.MonthsAsCustomer,
		&s.StakeholderCount, &s.HasChampion, &satisfaction,
		&s.ChurnFlagged, &s.HealthClass,
	)
	if err != nil {
		return nil, err
	}
	if contractEnd.Valid {
		t := contractEnd.Time
		s.ContractEndDate = &t
	}
	if satisfaction.Valid {
		v := satisfaction.Float64
		s.SatisfactionScore = &v
	}
	return s, nil
}

// ListAccountIDs returns the ids of all accounts in the signal store.
func (r *AccountRepo) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list account ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FetchSignals loads the signal set for one account.
func (r *AccountRepo) FetchSignals(ctx context.Context, id uuid.UUID) (*domain.AccountSignals, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	s, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch signals: %w", err)
	}
	return s, nil
}

// GetByBillingID resolves an account by its external billing identifier.
func (r *AccountRepo) GetByBillingID(ctx context.Context, billingID string) (*domain.AccountSignals, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE billing_customer_id = $1`, billingID)
	s, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account by billing id: %w", err)
	}
	return s, nil
}

// RecordFailedPayment bumps the failed-payment counter and downgrades
// payment health (critical at two or more failures).
func (r *AccountRepo) RecordFailedPayment(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET
			failed_payment_count = failed_payment_count + 1,
			payment_health = CASE WHEN failed_payment_count + 1 >= 2 THEN 'critical' ELSE 'warning' END,
			updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record failed payment: %w", err)
	}
	return nil
}

// ResetPaymentHealth marks payments healthy again after a success.
func (r *AccountRepo) ResetPaymentHealth(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET payment_health = 'good', failed_payment_count = 0, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("reset payment health: %w", err)
	}
	return nil
}

// SetPaymentHealth sets the payment-health field directly.
func (r *AccountRepo) SetPaymentHealth(ctx context.Context, id uuid.UUID, ph domain.PaymentHealth) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET payment_health = $2, updated_at = NOW() WHERE id = $1`, id, ph)
	if err != nil {
		return fmt.Errorf("set payment health: %w", err)
	}
	return nil
}

// SetHealthClass overrides the stored health class (the reactor's
// churned path is the only writer of non-classifier values).
func (r *AccountRepo) SetHealthClass(ctx context.Context, id uuid.UUID, class domain.HealthClass) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET health_class = $2, updated_at = NOW() WHERE id = $1`, id, class)
	if err != nil {
		return fmt.Errorf("set health class: %w", err)
	}
	return nil
}

// SetMRR updates the recurring value after a subscription change.
func (r *AccountRepo) SetMRR(ctx context.Context, id uuid.UUID, mrr float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET mrr = $2, updated_at = NOW() WHERE id = $1`, id, mrr)
	if err != nil {
		return fmt.Errorf("set mrr: %w", err)
	}
	return nil
}

// IncrementDisputes bumps the dispute counter.
func (r *AccountRepo) IncrementDisputes(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET dispute_count = dispute_count + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment disputes: %w", err)
	}
	return nil
}
