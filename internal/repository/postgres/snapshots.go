package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/natemoovs/zerochurn/internal/domain"
)

// SnapshotRepo persists health snapshots. Rows are insert-only.
type SnapshotRepo struct{ db *sql.DB }

// NewSnapshotRepo creates a Postgres-backed snapshot repository.
func NewSnapshotRepo(db *sql.DB) *SnapshotRepo { return &SnapshotRepo{db: db} }

const snapshotColumns = `
	id, account_id, account_name, health_class, mrr,
	total_trips, trips_last_30_days, risk_signals, positive_signals, created_at`

func scanSnapshot(row interface{ Scan(...interface{}) error }) (*domain.HealthSnapshot, error) {
	s := &domain.HealthSnapshot{}
	err := row.Scan(
		&s.ID, &s.AccountID, &s.AccountName, &s.Class, &s.MRR,
		&s.TotalTrips, &s.TripsLast30Days,
		pq.Array(&s.RiskSignals), pq.Array(&s.PositiveSignals), &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// LatestWithin returns the most recent snapshot for an account created at
// or after since, or nil when no snapshot falls inside the window.
func (r *SnapshotRepo) LatestWithin(ctx context.Context, accountID uuid.UUID, since time.Time) (*domain.HealthSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM health_snapshots
		WHERE account_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1`, accountID, since)
	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return s, nil
}

// LatestBefore returns the most recent snapshot for an account created at
// or before the cutoff, or nil when history does not reach that far back.
// Feeds the churn model's usage-trend feature with the prior window.
func (r *SnapshotRepo) LatestBefore(ctx context.Context, accountID uuid.UUID, cutoff time.Time) (*domain.HealthSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM health_snapshots
		WHERE account_id = $1 AND created_at <= $2
		ORDER BY created_at DESC
		LIMIT 1`, accountID, cutoff)
	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot before cutoff: %w", err)
	}
	return s, nil
}

// ListWithin returns all snapshots for an account created at or after
// since, oldest first.
func (r *SnapshotRepo) ListWithin(ctx context.Context, accountID uuid.UUID, since time.Time) ([]domain.HealthSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM health_snapshots
		WHERE account_id = $1 AND created_at >= $2
		ORDER BY created_at ASC`, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.HealthSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// RedAccounts returns, for accounts whose most recent snapshot within the
// window is red, that latest snapshot. Feeds the escalation monitor.
func (r *SnapshotRepo) RedAccounts(ctx context.Context, since time.Time) ([]domain.HealthSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (account_id) `+snapshotColumns+`
		FROM health_snapshots
		WHERE created_at >= $1
		ORDER BY account_id, created_at DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("red accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.HealthSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if s.Class == domain.HealthRed {
			out = append(out, *s)
		}
	}
	return out, rows.Err()
}

// InsertBatch persists a tick's snapshots in one transaction. The batch
// is all-or-nothing: a failed tick leaves no partial history behind and
// is simply retried at the next scheduled run.
func (r *SnapshotRepo) InsertBatch(ctx context.Context, snaps []*domain.HealthSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO health_snapshots
			(id, account_id, account_name, health_class, mrr,
			 total_trips, trips_last_30_days, risk_signals, positive_signals, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range snaps {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if _, err := stmt.ExecContext(ctx,
			s.ID, s.AccountID, s.AccountName, s.Class, s.MRR,
			s.TotalTrips, s.TripsLast30Days,
			pq.Array(s.RiskSignals), pq.Array(s.PositiveSignals), s.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert snapshot for %s: %w", s.AccountID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot batch: %w", err)
	}
	return nil
}
