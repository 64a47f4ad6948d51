package campaign

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natemoovs/zerochurn/internal/domain"
	"github.com/natemoovs/zerochurn/internal/repository/postgres"
)

type fakeStore struct {
	campaigns   map[uuid.UUID]*domain.Campaign
	steps       map[uuid.UUID]*domain.CampaignStep
	enrollments map[uuid.UUID]*domain.Enrollment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns:   map[uuid.UUID]*domain.Campaign{},
		steps:       map[uuid.UUID]*domain.CampaignStep{},
		enrollments: map[uuid.UUID]*domain.Enrollment{},
	}
}

func (f *fakeStore) addCampaign(steps ...domain.CampaignStep) uuid.UUID {
	id := uuid.New()
	f.campaigns[id] = &domain.Campaign{ID: id, Name: "test campaign", Active: true}
	for i := range steps {
		s := steps[i]
		s.ID = uuid.New()
		s.CampaignID = id
		f.steps[s.ID] = &s
	}
	return id
}

func (f *fakeStore) GetCampaign(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	c, ok := f.campaigns[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) GetStep(_ context.Context, id uuid.UUID) (*domain.CampaignStep, error) {
	s, ok := f.steps[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) FirstStep(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStep, error) {
	return f.StepAt(ctx, campaignID, 1)
}

func (f *fakeStore) StepAt(_ context.Context, campaignID uuid.UUID, order int) (*domain.CampaignStep, error) {
	for _, s := range f.steps {
		if s.CampaignID == campaignID && s.StepOrder == order {
			cp := *s
			return &cp, nil
		}
	}
	return nil, postgres.ErrNotFound
}

func (f *fakeStore) HasActiveEnrollment(_ context.Context, campaignID, accountID uuid.UUID) (bool, error) {
	for _, e := range f.enrollments {
		if e.CampaignID == campaignID && e.AccountID == accountID && e.Status == domain.EnrollmentActive {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CreateEnrollment(_ context.Context, e *domain.Enrollment) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	f.enrollments[e.ID] = &cp
	return nil
}

func (f *fakeStore) DueEnrollments(_ context.Context, now time.Time, limit int) ([]domain.Enrollment, error) {
	var out []domain.Enrollment
	for _, e := range f.enrollments {
		if e.Status != domain.EnrollmentActive || e.NextStepDue == nil || e.NextStepDue.After(now) {
			continue
		}
		out = append(out, *e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateEnrollment(_ context.Context, e *domain.Enrollment) error {
	cur, ok := f.enrollments[e.ID]
	if !ok || cur.Status != domain.EnrollmentActive {
		return postgres.ErrNotFound
	}
	cp := *e
	f.enrollments[e.ID] = &cp
	return nil
}

type staticSignals struct {
	s domain.AccountSignals
}

func (f *staticSignals) FetchSignals(_ context.Context, id uuid.UUID) (*domain.AccountSignals, error) {
	cp := f.s
	cp.AccountID = id
	return &cp, nil
}

type captureTasks struct{ tasks []*domain.Task }

func (c *captureTasks) Create(_ context.Context, t *domain.Task) error {
	c.tasks = append(c.tasks, t)
	return nil
}

type captureActivity struct{ kinds []string }

func (c *captureActivity) Log(_ context.Context, _ uuid.UUID, kind, _ string) error {
	c.kinds = append(c.kinds, kind)
	return nil
}

type captureWebhooks struct {
	urls     []string
	payloads []WebhookPayload
}

func (c *captureWebhooks) Send(url string, p WebhookPayload) {
	c.urls = append(c.urls, url)
	c.payloads = append(c.payloads, p)
}

type engineFixture struct {
	store    *fakeStore
	signals  *staticSignals
	tasks    *captureTasks
	activity *captureActivity
	webhooks *captureWebhooks
	engine   *Engine
	now      time.Time
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	fx := &engineFixture{
		store:    newFakeStore(),
		signals:  &staticSignals{s: domain.AccountSignals{Name: "Acme Limo", PlanTier: "pro", MRR: 1200, HealthClass: domain.HealthYellow, DaysSinceLastLogin: 3}},
		tasks:    &captureTasks{},
		activity: &captureActivity{},
		webhooks: &captureWebhooks{},
		now:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	fx.engine = NewEngine(fx.store, fx.signals, fx.tasks, fx.activity, fx.webhooks, 50)
	fx.engine.now = func() time.Time { return fx.now }
	return fx
}

// enrollOne enrolls a fresh account and returns the enrollment id.
func (fx *engineFixture) enrollOne(t *testing.T, campaignID uuid.UUID) uuid.UUID {
	t.Helper()
	summary, err := fx.engine.Enroll(context.Background(), campaignID, []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Enrolled)
	for id := range fx.store.enrollments {
		return id
	}
	t.Fatal("no enrollment created")
	return uuid.Nil
}

func taskStep(order int, title string) domain.CampaignStep {
	return domain.CampaignStep{
		StepOrder: order,
		Type:      domain.StepTask,
		Config:    domain.StepConfig{TaskTitle: title, TaskPriority: domain.PriorityHigh, TaskDueDays: 2},
	}
}

func TestEnrollStartsAtFirstStep(t *testing.T) {
	fx := newFixture(t)
	campaignID := fx.store.addCampaign(
		taskStep(1, "Check in"),
		domain.CampaignStep{StepOrder: 2, Type: domain.StepWait, DelayDays: 3},
	)

	id := fx.enrollOne(t, campaignID)

	enr := fx.store.enrollments[id]
	assert.Equal(t, domain.EnrollmentActive, enr.Status)
	assert.Equal(t, 1, enr.CurrentStepOrder)
	require.NotNil(t, enr.NextStepDue)
	assert.Equal(t, fx.now, *enr.NextStepDue, "first step has no delay, due immediately")
}

func TestEnrollSkipsAlreadyEnrolled(t *testing.T) {
	fx := newFixture(t)
	campaignID := fx.store.addCampaign(taskStep(1, "Check in"))
	accountID := uuid.New()

	first, err := fx.engine.Enroll(context.Background(), campaignID, []uuid.UUID{accountID})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Enrolled)

	second, err := fx.engine.Enroll(context.Background(), campaignID, []uuid.UUID{accountID})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Enrolled)
	assert.Equal(t, 1, second.Skipped)
	assert.Len(t, fx.store.enrollments, 1)
}

func TestEnrollRejectsInactiveCampaign(t *testing.T) {
	fx := newFixture(t)
	campaignID := fx.store.addCampaign(taskStep(1, "Check in"))
	fx.store.campaigns[campaignID].Active = false

	_, err := fx.engine.Enroll(context.Background(), campaignID, []uuid.UUID{uuid.New()})
	require.Error(t, err)
}

func TestTickTaskStepRendersTemplatesAndAdvances(t *testing.T) {
	fx := newFixture(t)
	campaignID := fx.store.addCampaign(
		taskStep(1, "Check in with {{ account_name }} ({{ plan_tier }})"),
		domain.CampaignStep{StepOrder: 2, Type: domain.StepWait, DelayDays: 3},
	)
	id := fx.enrollOne(t, campaignID)

	summary, err := fx.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Advanced)

	require.Len(t, fx.tasks.tasks, 1)
	task := fx.tasks.tasks[0]
	assert.Equal(t, "Check in with Acme Limo (pro)", task.Title)
	assert.Equal(t, domain.PriorityHigh, task.Priority)
	assert.Equal(t, domain.SourceCampaignStep, task.Metadata.Source)
	require.NotNil(t, task.Metadata.CampaignStep)
	assert.Equal(t, 1, task.Metadata.CampaignStep.StepOrder)

	enr := fx.store.enrollments[id]
	assert.Equal(t, 2, enr.CurrentStepOrder)
	require.NotNil(t, enr.NextStepDue)
	assert.Equal(t, fx.now.Add(72*time.Hour), *enr.NextStepDue)
	assert.Contains(t, fx.activity.kinds, "campaign_step")
}

func TestTickCompletesAtEndOfStepList(t *testing.T) {
	fx := newFixture(t)
	campaignID := fx.store.addCampaign(
		taskStep(1, "one"), taskStep(2, "two"), taskStep(3, "three"),
	)
	id := fx.enrollOne(t, campaignID)

	// Three ticks walk the three steps; the third tick runs off the list.
	for i := 0; i < 3; i++ {
		_, err := fx.engine.Tick(context.Background())
		require.NoError(t, err)
	}

	enr := fx.store.enrollments[id]
	assert.Equal(t, domain.EnrollmentCompleted, enr.Status)
	assert.Nil(t, enr.CurrentStepID)
	assert.Nil(t, enr.NextStepDue)
	require.NotNil(t, enr.CompletedAt)
}

func TestTickStepOrderIsMonotonic(t *testing.T) {
	fx := newFixture(t)
	campaignID := fx.store.addCampaign(
		taskStep(1, "one"), taskStep(2, "two"), taskStep(3, "three"),
	)
	id := fx.enrollOne(t, campaignID)

	prev := 0
	for i := 0; i < 6; i++ {
		_, err := fx.engine.Tick(context.Background())
		require.NoError(t, err)
		enr := fx.store.enrollments[id]
		assert.GreaterOrEqual(t, enr.CurrentStepOrder, prev)
		prev = enr.CurrentStepOrder
	}
}

func TestTickTerminalEnrollmentNeverMutated(t *testing.T) {
	fx := newFixture(t)
	campaignID := fx.store.addCampaign(taskStep(1, "one"))
	id := fx.enrollOne(t, campaignID)

	_, err := fx.engine.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.EnrollmentCompleted, fx.store.enrollments[id].Status)
	completedAt := fx.store.enrollments[id].CompletedAt
	taskCount := len(fx.tasks.tasks)

	summary, err := fx.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Due, "terminal enrollments are never due")
	assert.Equal(t, completedAt, fx.store.enrollments[id].CompletedAt)
	assert.Len(t, fx.tasks.tasks, taskCount)
}

func TestTickConditionFalseExitsEnrollment(t *testing.T) {
	fx := newFixture(t)
	campaignID := fx.store.addCampaign(
		domain.CampaignStep{
			StepOrder: 1,
			Type:      domain.StepCondition,
			Config: domain.StepConfig{
				Condition:      domain.CondHealthEquals,
				ConditionClass: domain.HealthRed,
			},
		},
		taskStep(2, "never reached"),
	)
	id := fx.enrollOne(t, campaignID)

	// Account is yellow, the red-equals predicate fails.
	summary, err := fx.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Exited)

	enr := fx.store.enrollments[id]
	assert.Equal(t, domain.EnrollmentExited, enr.Status)
	assert.Contains(t, enr.ExitReason, "health_equals")
	assert.Nil(t, enr.NextStepDue)
	assert.Empty(t, fx.tasks.tasks)
}

func TestTickConditionTrueAdvances(t *testing.T) {
	fx := newFixture(t)
	campaignID := fx.store.addCampaign(
		domain.CampaignStep{
			StepOrder: 1,
			Type:      domain.StepCondition,
			Config: domain.StepConfig{
				Condition:     domain.CondActiveWithin,
				ConditionDays: 7,
			},
		},
		taskStep(2, "reached"),
	)
	id := fx.enrollOne(t, campaignID)

	// Logged in 3 days ago, inside the 7-day window.
	summary, err := fx.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Advanced)
	assert.Equal(t, 2, fx.store.enrollments[id].CurrentStepOrder)
}

func TestTickWebhookStepEnqueuesCall(t *testing.T) {
	fx := newFixture(t)
	campaignID := fx.store.addCampaign(
		domain.CampaignStep{
			StepOrder: 1,
			Type:      domain.StepWebhook,
			Config:    domain.StepConfig{WebhookURL: "https://hooks.example.com/cs"},
		},
	)
	fx.enrollOne(t, campaignID)

	_, err := fx.engine.Tick(context.Background())
	require.NoError(t, err)

	require.Len(t, fx.webhooks.urls, 1)
	assert.Equal(t, "https://hooks.example.com/cs", fx.webhooks.urls[0])
	assert.Equal(t, "Acme Limo", fx.webhooks.payloads[0].AccountName)
	assert.Equal(t, 1, fx.webhooks.payloads[0].StepOrder)
}

func TestTickEmailStepLogsIntent(t *testing.T) {
	fx := newFixture(t)
	campaignID := fx.store.addCampaign(
		domain.CampaignStep{
			StepOrder: 1,
			Type:      domain.StepEmail,
			Config:    domain.StepConfig{EmailSubject: "Hi {{ account_name }}", EmailTemplate: "checkin_v2"},
		},
	)
	fx.enrollOne(t, campaignID)

	_, err := fx.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Contains(t, fx.activity.kinds, "campaign_email")
}

func TestTickSelfHealsDanglingStepReference(t *testing.T) {
	fx := newFixture(t)
	campaignID := fx.store.addCampaign(taskStep(1, "one"), taskStep(2, "two"))
	id := fx.enrollOne(t, campaignID)

	// Corrupt the enrollment: point it at a deleted step.
	gone := uuid.New()
	fx.store.enrollments[id].CurrentStepID = &gone
	fx.store.enrollments[id].CurrentStepOrder = 9

	summary, err := fx.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Advanced)

	enr := fx.store.enrollments[id]
	assert.Equal(t, 1, enr.CurrentStepOrder)
	require.NotNil(t, enr.NextStepDue)
	assert.Empty(t, fx.tasks.tasks, "healing reschedules, it does not execute")
}

func TestTickFailureIsolatedPerEnrollment(t *testing.T) {
	fx := newFixture(t)
	campaignID := fx.store.addCampaign(taskStep(1, "one"))

	good, err := fx.engine.Enroll(context.Background(), campaignID, []uuid.UUID{uuid.New(), uuid.New()})
	require.NoError(t, err)
	require.Equal(t, 2, good.Enrolled)

	// One enrollment points at a campaign with no steps: resolve fails and
	// self-heal fails too.
	for id, e := range fx.store.enrollments {
		emptyCampaign := fx.store.addCampaign()
		e.CampaignID = emptyCampaign
		gone := uuid.New()
		e.CurrentStepID = &gone
		fx.store.enrollments[id] = e
		break
	}

	summary, err := fx.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Due)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, fx.tasks.tasks, 1, "healthy enrollment still executed")
}

func TestRendererFallsBackToRawTemplateOnBadSyntax(t *testing.T) {
	r := NewRenderer()
	raw := "{{ account_name "
	out := r.Render("k", raw, map[string]interface{}{"account_name": "Acme"})
	assert.Equal(t, raw, out)
}

func TestRendererCurrencyFilter(t *testing.T) {
	r := NewRenderer()
	out := r.Render("c", "MRR is {{ mrr | currency }}", map[string]interface{}{"mrr": 1200.5})
	assert.Equal(t, "MRR is $1200.50", out)
}

func TestEvalConditionTable(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name    string
		cfg     domain.StepConfig
		signals domain.AccountSignals
		want    bool
	}{
		{"health equals match", domain.StepConfig{Condition: domain.CondHealthEquals, ConditionClass: domain.HealthRed},
			domain.AccountSignals{HealthClass: domain.HealthRed}, true},
		{"health equals miss", domain.StepConfig{Condition: domain.CondHealthEquals, ConditionClass: domain.HealthRed},
			domain.AccountSignals{HealthClass: domain.HealthGreen}, false},
		{"health not equals", domain.StepConfig{Condition: domain.CondHealthNotEquals, ConditionClass: domain.HealthRed},
			domain.AccountSignals{HealthClass: domain.HealthGreen}, true},
		{"active within", domain.StepConfig{Condition: domain.CondActiveWithin, ConditionDays: 7},
			domain.AccountSignals{DaysSinceLastLogin: 5}, true},
		{"inactive beyond window", domain.StepConfig{Condition: domain.CondActiveWithin, ConditionDays: 7},
			domain.AccountSignals{DaysSinceLastLogin: 12}, false},
		{"unknown condition passes", domain.StepConfig{Condition: "no_such_predicate"},
			domain.AccountSignals{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := evalCondition(tc.cfg, &tc.signals, now)
			assert.Equal(t, tc.want, got, fmt.Sprintf("case %s", tc.name))
		})
	}
}
