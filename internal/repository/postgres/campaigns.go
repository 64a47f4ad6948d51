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

// CampaignRepo owns campaign definitions and enrollments.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

// GetCampaign loads a campaign definition without its steps.
func (r *CampaignRepo) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description,''), active, created_at, updated_at
		FROM campaigns WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Description, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

const stepColumns = `id, campaign_id, step_order, type, delay_days, delay_hours, config`

func scanStep(row interface{ Scan(...interface{}) error }) (*domain.CampaignStep, error) {
	s := &domain.CampaignStep{}
	var cfg []byte
	if err := row.Scan(&s.ID, &s.CampaignID, &s.StepOrder, &s.Type, &s.DelayDays, &s.DelayHours, &cfg); err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &s.Config); err != nil {
			return nil, fmt.Errorf("decode step config: %w", err)
		}
	}
	return s, nil
}

// GetStep loads one step by id.
func (r *CampaignRepo) GetStep(ctx context.Context, id uuid.UUID) (*domain.CampaignStep, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM campaign_steps WHERE id = $1`, id)
	s, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return s, nil
}

// FirstStep returns the lowest-ordered step of a campaign.
func (r *CampaignRepo) FirstStep(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStep, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM campaign_steps
		WHERE campaign_id = $1
		ORDER BY step_order ASC LIMIT 1`, campaignID)
	s, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("first step: %w", err)
	}
	return s, nil
}

// StepAt returns the step with exactly the given order, or ErrNotFound.
// Advancement requires order+1 to exist exactly; gaps end the campaign.
func (r *CampaignRepo) StepAt(ctx context.Context, campaignID uuid.UUID, order int) (*domain.CampaignStep, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM campaign_steps
		WHERE campaign_id = $1 AND step_order = $2`, campaignID, order)
	s, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("step at order %d: %w", order, err)
	}
	return s, nil
}

// HasActiveEnrollment reports whether the account is already actively
// enrolled in the campaign (duplicate-enroll guard).
func (r *CampaignRepo) HasActiveEnrollment(ctx context.Context, campaignID, accountID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM campaign_enrollments
			WHERE campaign_id = $1 AND account_id = $2 AND status = 'active')`,
		campaignID, accountID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active enrollment: %w", err)
	}
	return exists, nil
}

// CreateEnrollment inserts a new enrollment.
func (r *CampaignRepo) CreateEnrollment(ctx context.Context, e *domain.Enrollment) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_enrollments
			(id, campaign_id, account_id, current_step_id, current_step_order,
			 next_step_due, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`,
		e.ID, e.CampaignID, e.AccountID, e.CurrentStepID, e.CurrentStepOrder,
		e.NextStepDue, e.Status)
	if err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

const enrollmentColumns = `
	id, campaign_id, account_id, current_step_id, current_step_order,
	next_step_due, status, COALESCE(exit_reason,''), completed_at, exited_at,
	created_at, updated_at`

func scanEnrollment(row interface{ Scan(...interface{}) error }) (*domain.Enrollment, error) {
	e := &domain.Enrollment{}
	var stepID uuid.NullUUID
	var due, completed, exited sql.NullTime
	err := row.Scan(
		&e.ID, &e.CampaignID, &e.AccountID, &stepID, &e.CurrentStepOrder,
		&due, &e.Status, &e.ExitReason, &completed, &exited,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if stepID.Valid {
		id := stepID.UUID
		e.CurrentStepID = &id
	}
	if due.Valid {
		t := due.Time
		e.NextStepDue = &t
	}
	if completed.Valid {
		t := completed.Time
		e.CompletedAt = &t
	}
	if exited.Valid {
		t := exited.Time
		e.ExitedAt = &t
	}
	return e, nil
}

// DueEnrollments returns active enrollments whose next step is due,
// oldest due first, bounded to one tick's page.
func (r *CampaignRepo) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]domain.Enrollment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM campaign_enrollments
		WHERE status = 'active' AND next_step_due <= $1
		ORDER BY next_step_due ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due enrollments: %w", err)
	}
	defer rows.Close()

	var out []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// UpdateEnrollment persists an enrollment's mutable state. Terminal rows
// are never updated again: the WHERE clause refuses to move a row out of
// completed/exited.
func (r *CampaignRepo) UpdateEnrollment(ctx context.Context, e *domain.Enrollment) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_enrollments SET
			current_step_id = $2, current_step_order = $3, next_step_due = $4,
			status = $5, exit_reason = NULLIF($6,''), completed_at = $7, exited_at = $8,
			updated_at = NOW()
		WHERE id = $1 AND status = 'active'`,
		e.ID, e.CurrentStepID, e.CurrentStepOrder, e.NextStepDue,
		e.Status, e.ExitReason, e.CompletedAt, e.ExitedAt)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
