package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natemoovs/zerochurn/internal/domain"
)

var accountCols = []string{
	"id", "name", "billing_customer_id", "mrr", "plan_tier",
	"total_trips", "trips_last_30_days", "days_since_last_login",
	"payment_success_rate", "failed_payment_count", "dispute_count", "payment_health",
	"open_ticket_count", "tickets_last_30_days",
	"contract_end_date", "months_as_customer",
	"stakeholder_count", "has_champion", "satisfaction_score",
	"churn_flagged", "health_class",
}

func TestAccountRepo_FetchSignals(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(
			id, "Acme Limo", "cus_123", 1200.0, "pro",
			840, 12, 3,
			0.98, 0, 0, "good",
			1, 2,
			nil, 18,
			4, true, 8.5,
			false, "green",
		))

	repo := NewAccountRepo(db)
	s, err := repo.FetchSignals(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Acme Limo", s.Name)
	assert.Equal(t, "cus_123", s.BillingCustomerID)
	assert.Equal(t, domain.HealthGreen, s.HealthClass)
	assert.True(t, s.HasChampion)
	assert.Nil(t, s.ContractEndDate)
	require.NotNil(t, s.SatisfactionScore)
	assert.InDelta(t, 8.5, *s.SatisfactionScore, 0.001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepo_FetchSignals_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(accountCols))

	repo := NewAccountRepo(db)
	_, err = repo.FetchSignals(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepo_RecordFailedPayment(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectExec("UPDATE accounts SET").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewAccountRepo(db)
	require.NoError(t, repo.RecordFailedPayment(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepo_LatestBefore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	accountID := uuid.New()
	cutoff := time.Now().AddDate(0, 0, -30)
	cols := []string{
		"id", "account_id", "account_name", "health_class", "mrr",
		"total_trips", "trips_last_30_days", "risk_signals", "positive_signals", "created_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM health_snapshots WHERE account_id = \\$1 AND created_at <= \\$2").
		WithArgs(accountID, cutoff).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			uuid.New(), accountID, "Acme", "green", 1200.0,
			400, 40, "{}", "{recent_login}", cutoff.AddDate(0, 0, -1),
		))

	repo := NewSnapshotRepo(db)
	s, err := repo.LatestBefore(context.Background(), accountID, cutoff)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 40, s.TripsLast30Days)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepo_LatestBefore_NoHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	accountID := uuid.New()
	cutoff := time.Now().AddDate(0, 0, -30)
	mock.ExpectQuery("SELECT (.+) FROM health_snapshots WHERE account_id = \\$1 AND created_at <= \\$2").
		WithArgs(accountID, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewSnapshotRepo(db)
	s, err := repo.LatestBefore(context.Background(), accountID, cutoff)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepo_InsertBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	snaps := []*domain.HealthSnapshot{
		{AccountID: uuid.New(), AccountName: "A", Class: domain.HealthGreen, CreatedAt: time.Now()},
		{AccountID: uuid.New(), AccountName: "B", Class: domain.HealthRed,
			RiskSignals: []string{"inactive_30d"}, CreatedAt: time.Now()},
	}

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO health_snapshots")
	for _, s := range snaps {
		mock.ExpectExec("INSERT INTO health_snapshots").
			WithArgs(sqlmock.AnyArg(), s.AccountID, s.AccountName, s.Class, s.MRR,
				s.TotalTrips, s.TripsLast30Days,
				pq.Array(s.RiskSignals), pq.Array(s.PositiveSignals), s.CreatedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	repo := NewSnapshotRepo(db)
	require.NoError(t, repo.InsertBatch(context.Background(), snaps))
	assert.NotEqual(t, uuid.Nil, snaps[0].ID, "batch assigns missing ids")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepo_InsertBatch_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	snaps := []*domain.HealthSnapshot{
		{AccountID: uuid.New(), AccountName: "A", Class: domain.HealthGreen, CreatedAt: time.Now()},
	}

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO health_snapshots")
	mock.ExpectExec("INSERT INTO health_snapshots").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	repo := NewSnapshotRepo(db)
	err = repo.InsertBatch(context.Background(), snaps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_Create_DefaultsStatusAndID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	task := &domain.Task{
		AccountID: uuid.New(),
		Title:     "Call customer",
		Priority:  domain.PriorityHigh,
		Metadata:  domain.TaskMetadata{Source: domain.SourceHealthTransition},
	}
	repo := NewTaskRepo(db)
	require.NoError(t, repo.Create(context.Background(), task))
	assert.NotEqual(t, uuid.Nil, task.ID)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_CompleteOpenPaymentFailureTasks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// The predicate names the originating event type, so webhook tasks
	// from disputes or cancellations never match.
	accountID := uuid.New()
	mock.ExpectExec(`UPDATE tasks SET status = 'completed'[\s\S]*metadata->'webhook'->>'event_type'`).
		WithArgs(accountID, string(domain.SourceBillingWebhook), string(domain.EventPaymentFailed)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	repo := NewTaskRepo(db)
	n, err := repo.CompleteOpenPaymentFailureTasks(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_UpdateStatus_MissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs(id, domain.TaskCompleted).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewTaskRepo(db)
	err = repo.UpdateStatus(context.Background(), id, domain.TaskCompleted)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepo_UpdateEnrollment_TerminalRowsNotTouched(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := &domain.Enrollment{
		ID:         uuid.New(),
		CampaignID: uuid.New(),
		AccountID:  uuid.New(),
		Status:     domain.EnrollmentActive,
	}

	// The WHERE clause requires status = 'active'; a completed or exited
	// row matches nothing.
	mock.ExpectExec("UPDATE campaign_enrollments SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewCampaignRepo(db)
	err = repo.UpdateEnrollment(context.Background(), e)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscalationRepo_ExistsWithin(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	accountID := uuid.New()
	since := time.Now().Add(-7 * 24 * time.Hour)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(accountID, since).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	repo := NewEscalationRepo(db)
	exists, err := repo.ExistsWithin(context.Background(), accountID, since)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}
