package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/natemoovs/zerochurn/internal/domain"
)

// EscalationRepo owns escalation dedup records.
type EscalationRepo struct{ db *sql.DB }

// NewEscalationRepo creates a Postgres-backed escalation repository.
func NewEscalationRepo(db *sql.DB) *EscalationRepo { return &EscalationRepo{db: db} }

// ExistsWithin reports whether an escalation was already raised for the
// account at or after since.
func (r *EscalationRepo) ExistsWithin(ctx context.Context, accountID uuid.UUID, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM escalations
			WHERE account_id = $1 AND created_at >= $2)`,
		accountID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check escalation: %w", err)
	}
	return exists, nil
}

// Create inserts an escalation record.
func (r *EscalationRepo) Create(ctx context.Context, e *domain.EscalationRecord) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO escalations (id, account_id, recipient, created_at)
		VALUES ($1, $2, $3, NOW())`,
		e.ID, e.AccountID, e.Recipient)
	if err != nil {
		return fmt.Errorf("create escalation: %w", err)
	}
	return nil
}

// List returns escalation records, newest first, optionally scoped to an
// account.
func (r *EscalationRepo) List(ctx context.Context, accountID *uuid.UUID, limit int) ([]domain.EscalationRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT id, account_id, recipient, created_at FROM escalations`
	args := []interface{}{}
	if accountID != nil {
		q += ` WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, *accountID, limit)
	} else {
		q += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []domain.EscalationRecord
	for rows.Next() {
		var e domain.EscalationRecord
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Recipient, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
