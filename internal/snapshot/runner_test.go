package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natemoovs/zerochurn/internal/domain"
	"github.com/natemoovs/zerochurn/internal/health"
)

type fakeSignals struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]domain.AccountSignals
	failing  map[uuid.UUID]bool
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{
		accounts: map[uuid.UUID]domain.AccountSignals{},
		failing:  map[uuid.UUID]bool{},
	}
}

func (f *fakeSignals) add(s domain.AccountSignals) uuid.UUID {
	id := uuid.New()
	s.AccountID = id
	f.accounts[id] = s
	return id
}

func (f *fakeSignals) ListAccountIDs(context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(f.accounts))
	for id := range f.accounts {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeSignals) FetchSignals(_ context.Context, id uuid.UUID) (*domain.AccountSignals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[id] {
		return nil, errors.New("upstream fetch failed")
	}
	s, ok := f.accounts[id]
	if !ok {
		return nil, errors.New("no such account")
	}
	return &s, nil
}

type fakeStore struct {
	mu        sync.Mutex
	snaps     []*domain.HealthSnapshot
	failWrite bool
}

func (f *fakeStore) LatestWithin(_ context.Context, accountID uuid.UUID, since time.Time) (*domain.HealthSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.HealthSnapshot
	for _, s := range f.snaps {
		if s.AccountID != accountID || s.CreatedAt.Before(since) {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	return latest, nil
}

func (f *fakeStore) InsertBatch(_ context.Context, snaps []*domain.HealthSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("write failed")
	}
	f.snaps = append(f.snaps, snaps...)
	return nil
}

type fakeTasks struct {
	mu    sync.Mutex
	tasks []*domain.Task
}

func (f *fakeTasks) Create(_ context.Context, t *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return nil
}

func newTestRunner(signals *fakeSignals, store *fakeStore, tasks *fakeTasks) *Runner {
	return NewRunner(signals, store, tasks, nil,
		health.NewClassifier(health.DefaultThresholds()), 48*time.Hour, 4)
}

func redSignals() domain.AccountSignals {
	return domain.AccountSignals{
		Name:               "Metro Shuttle Co",
		DaysSinceLastLogin: 90,
		TripsLast30Days:    0,
		ChurnFlagged:       true,
	}
}

func greenSignals() domain.AccountSignals {
	return domain.AccountSignals{
		Name:               "Acme Limo",
		DaysSinceLastLogin: 1,
		TotalTrips:         500,
		TripsLast30Days:    40,
		PaymentSuccessRate: 0.99,
		PaymentHealth:      domain.PaymentGood,
		HasChampion:        true,
	}
}

func TestRunPersistsAllSnapshots(t *testing.T) {
	signals := newFakeSignals()
	signals.add(greenSignals())
	signals.add(redSignals())
	store := &fakeStore{}
	tasks := &fakeTasks{}

	summary, err := newTestRunner(signals, store, tasks).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Len(t, store.snaps, 2, "snapshots persist regardless of transitions")
}

func TestRunNewRedAccountEmitsHighPriorityTask(t *testing.T) {
	signals := newFakeSignals()
	id := signals.add(redSignals())
	store := &fakeStore{}
	tasks := &fakeTasks{}

	summary, err := newTestRunner(signals, store, tasks).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.Transitions, 1)
	assert.Equal(t, domain.TransitionNew, summary.Transitions[0].Kind)
	require.Len(t, tasks.tasks, 1)
	task := tasks.tasks[0]
	assert.Equal(t, id, task.AccountID)
	assert.Equal(t, domain.PriorityHigh, task.Priority)
	assert.Equal(t, domain.SourceHealthTransition, task.Metadata.Source)
	assert.Contains(t, task.Title, "New account observed")
	assert.Contains(t, task.Description, `First observation of this account is "red"`,
		"a first observation has no prior class to quote")
	require.NotNil(t, task.DueAt)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 2), *task.DueAt, time.Minute)
}

func TestRunNewGreenAccountEmitsNothing(t *testing.T) {
	signals := newFakeSignals()
	signals.add(greenSignals())
	store := &fakeStore{}
	tasks := &fakeTasks{}

	summary, err := newTestRunner(signals, store, tasks).Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, summary.Transitions)
	assert.Empty(t, tasks.tasks)
}

func TestRunIdempotentWithinLookback(t *testing.T) {
	signals := newFakeSignals()
	signals.add(redSignals())
	store := &fakeStore{}
	tasks := &fakeTasks{}
	runner := newTestRunner(signals, store, tasks)

	_, err := runner.Run(context.Background())
	require.NoError(t, err)
	second, err := runner.Run(context.Background())
	require.NoError(t, err)

	// Two snapshots with the same class, but only the first run emitted
	// a transition task.
	assert.Len(t, store.snaps, 2)
	assert.Equal(t, store.snaps[0].Class, store.snaps[1].Class)
	assert.Empty(t, second.Transitions)
	assert.Len(t, tasks.tasks, 1)
}

func TestRunDeclineCreatesTaskImprovementDoesNot(t *testing.T) {
	signals := newFakeSignals()
	id := signals.add(greenSignals())
	store := &fakeStore{}
	tasks := &fakeTasks{}
	runner := newTestRunner(signals, store, tasks)

	_, err := runner.Run(context.Background())
	require.NoError(t, err)

	// Account turns red: declined, task created.
	signals.mu.Lock()
	s := signals.accounts[id]
	s.ChurnFlagged = true
	s.DaysSinceLastLogin = 60
	s.TripsLast30Days = 0
	signals.accounts[id] = s
	signals.mu.Unlock()

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Transitions, 1)
	assert.Equal(t, domain.TransitionDeclined, summary.Transitions[0].Kind)
	require.Len(t, tasks.tasks, 1)
	assert.Equal(t, domain.PriorityHigh, tasks.tasks[0].Priority)

	// Account recovers: improved transition recorded, no new task.
	signals.mu.Lock()
	signals.accounts[id] = greenSignals()
	s2 := signals.accounts[id]
	s2.AccountID = id
	signals.accounts[id] = s2
	signals.mu.Unlock()

	summary, err = runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Transitions, 1)
	assert.Equal(t, domain.TransitionImproved, summary.Transitions[0].Kind)
	assert.Len(t, tasks.tasks, 1)
}

func TestRunUnknownRanksEqualToYellow(t *testing.T) {
	signals := newFakeSignals()
	// Exactly one soft risk: yellow.
	id := signals.add(domain.AccountSignals{
		Name:               "Quiet Account",
		DaysSinceLastLogin: 45,
		TripsLast30Days:    5,
	})
	store := &fakeStore{}
	tasks := &fakeTasks{}
	runner := newTestRunner(signals, store, tasks)

	_, err := runner.Run(context.Background())
	require.NoError(t, err)

	// Signals shift so the classifier returns unknown. Same severity
	// rank as yellow: no transition.
	signals.mu.Lock()
	signals.accounts[id] = domain.AccountSignals{
		AccountID:          id,
		Name:               "Quiet Account",
		DaysSinceLastLogin: 10,
		TripsLast30Days:    5,
	}
	signals.mu.Unlock()

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Transitions)
	assert.Empty(t, tasks.tasks)
}

func TestRunIsolatesPerAccountFailures(t *testing.T) {
	signals := newFakeSignals()
	signals.add(greenSignals())
	bad := signals.add(redSignals())
	signals.failing[bad] = true
	store := &fakeStore{}
	tasks := &fakeTasks{}

	summary, err := newTestRunner(signals, store, tasks).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, store.snaps, 1, "partial results still persist")
}

func TestRunBatchWriteFailureFailsTick(t *testing.T) {
	signals := newFakeSignals()
	signals.add(greenSignals())
	store := &fakeStore{failWrite: true}
	tasks := &fakeTasks{}

	_, err := newTestRunner(signals, store, tasks).Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, store.snaps)
	assert.Empty(t, tasks.tasks, "no tasks on a failed batch write")
}
