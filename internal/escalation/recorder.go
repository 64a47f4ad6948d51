package escalation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/natemoovs/zerochurn/internal/domain"
)

// TaskCreator writes the urgent escalation task.
type TaskCreator interface {
	Create(ctx context.Context, t *domain.Task) error
}

// RecordStore persists and queries the dedup records.
type RecordStore interface {
	ExistsWithin(ctx context.Context, accountID uuid.UUID, since time.Time) (bool, error)
	Create(ctx context.Context, e *domain.EscalationRecord) error
}

type repoRecorder struct {
	tasks   TaskCreator
	records RecordStore
}

// NewRecorder adapts the task and escalation repositories into a Recorder.
func NewRecorder(tasks TaskCreator, records RecordStore) Recorder {
	return &repoRecorder{tasks: tasks, records: records}
}

func (r *repoRecorder) CreateTask(ctx context.Context, t *domain.Task) error {
	return r.tasks.Create(ctx, t)
}

func (r *repoRecorder) ExistsWithin(ctx context.Context, accountID uuid.UUID, since time.Time) (bool, error) {
	return r.records.ExistsWithin(ctx, accountID, since)
}

func (r *repoRecorder) CreateRecord(ctx context.Context, e *domain.EscalationRecord) error {
	return r.records.Create(ctx, e)
}
