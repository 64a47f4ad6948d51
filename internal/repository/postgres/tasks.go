package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/natemoovs/zerochurn/internal/domain"
)

// TaskRepo owns the shared task ledger.
type TaskRepo struct{ db *sql.DB }

// NewTaskRepo creates a Postgres-backed task repository.
func NewTaskRepo(db *sql.DB) *TaskRepo { return &TaskRepo{db: db} }

// Create inserts a task. A nil ID is assigned.
func (r *TaskRepo) Create(ctx context.Context, t *domain.Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal task metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, account_id, title, description, priority, status, due_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`,
		t.ID, t.AccountID, t.Title, t.Description, t.Priority, t.Status, t.DueAt, meta)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// TaskFilter narrows List queries.
type TaskFilter struct {
	AccountID *uuid.UUID
	Status    domain.TaskStatus
	Source    domain.TaskSource
	Limit     int
	Offset    int
}

// List returns tasks matching the filter, newest first.
func (r *TaskRepo) List(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT id, account_id, title, COALESCE(description,''), priority, status,
		       due_at, metadata, created_at, updated_at
		FROM tasks
		WHERE 1=1`
	args := []interface{}{}
	idx := 1

	if f.AccountID != nil {
		q += fmt.Sprintf(" AND account_id = $%d", idx)
		args = append(args, *f.AccountID)
		idx++
	}
	if f.Status != "" {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Source != "" {
		q += fmt.Sprintf(" AND metadata->>'source' = $%d", idx)
		args = append(args, string(f.Source))
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		var t domain.Task
		var due sql.NullTime
		var meta []byte
		if err := rows.Scan(
			&t.ID, &t.AccountID, &t.Title, &t.Description, &t.Priority, &t.Status,
			&due, &meta, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if due.Valid {
			d := due.Time
			t.DueAt = &d
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return nil, fmt.Errorf("decode task metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateStatus moves one task to the given status.
func (r *TaskRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteOpenPaymentFailureTasks completes every still-open task for
// the account that an earlier payment_failed event created. Returns the
// number of tasks closed. Used by the payment-succeeded handler to
// retract task debt from earlier payment failures; dispute, downgrade,
// past-due, and win-back tasks carry the same webhook source but a
// successful payment does not resolve them, so the event type is part
// of the predicate.
func (r *TaskRepo) CompleteOpenPaymentFailureTasks(ctx context.Context, accountID uuid.UUID) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'completed', updated_at = NOW()
		WHERE account_id = $1
		  AND status IN ('pending', 'in_progress')
		  AND metadata->>'source' = $2
		  AND metadata->'webhook'->>'event_type' = $3`,
		accountID, string(domain.SourceBillingWebhook), string(domain.EventPaymentFailed))
	if err != nil {
		return 0, fmt.Errorf("complete payment failure tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("complete payment failure tasks rows: %w", err)
	}
	return int(n), nil
}

// DueBefore returns open tasks due before the cutoff (operator views).
func (r *TaskRepo) DueBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, title, COALESCE(description,''), priority, status,
		       due_at, metadata, created_at, updated_at
		FROM tasks
		WHERE status IN ('pending', 'in_progress') AND due_at <= $1
		ORDER BY due_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		var t domain.Task
		var due sql.NullTime
		var meta []byte
		if err := rows.Scan(
			&t.ID, &t.AccountID, &t.Title, &t.Description, &t.Priority, &t.Status,
			&due, &meta, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if due.Valid {
			d := due.Time
			t.DueAt = &d
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return nil, fmt.Errorf("decode task metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
