package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/natemoovs/zerochurn/internal/domain"
)

// ActivityRepo owns the audit log.
type ActivityRepo struct{ db *sql.DB }

// NewActivityRepo creates a Postgres-backed activity repository.
func NewActivityRepo(db *sql.DB) *ActivityRepo { return &ActivityRepo{db: db} }

// Log writes one audit entry.
func (r *ActivityRepo) Log(ctx context.Context, accountID uuid.UUID, kind, description string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO activities (id, account_id, kind, description, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		uuid.New(), accountID, kind, description)
	if err != nil {
		return fmt.Errorf("log activity: %w", err)
	}
	return nil
}

// Recent returns the newest audit entries for an account.
func (r *ActivityRepo) Recent(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, kind, COALESCE(description,''), created_at
		FROM activities
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent activities: %w", err)
	}
	defer rows.Close()

	var out []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Kind, &a.Description, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
