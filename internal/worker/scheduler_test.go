package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natemoovs/zerochurn/internal/campaign"
	"github.com/natemoovs/zerochurn/internal/escalation"
	"github.com/natemoovs/zerochurn/internal/snapshot"
)

type countingRunners struct {
	snapshots   int64
	ticks       int64
	escalations int64
}

func (c *countingRunners) Run(context.Context) (*snapshot.Summary, error) {
	atomic.AddInt64(&c.snapshots, 1)
	return &snapshot.Summary{}, nil
}

func (c *countingRunners) Tick(context.Context) (*campaign.TickSummary, error) {
	atomic.AddInt64(&c.ticks, 1)
	return &campaign.TickSummary{}, nil
}

type countingEscalator struct{ runners *countingRunners }

func (c *countingEscalator) Run(context.Context) (*escalation.Summary, error) {
	atomic.AddInt64(&c.runners.escalations, 1)
	return &escalation.Summary{}, nil
}

func newTestScheduler(t *testing.T, interval time.Duration) (*Scheduler, *countingRunners) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	runners := &countingRunners{}
	s := NewScheduler(nil, rdb, runners, runners, &countingEscalator{runners: runners}, Intervals{
		Snapshot:   interval,
		Campaign:   interval,
		Escalation: interval,
	})
	return s, runners
}

func TestSchedulerRunsAllTriggers(t *testing.T) {
	s, runners := newTestScheduler(t, 20*time.Millisecond)
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&runners.snapshots) > 0 &&
			atomic.LoadInt64(&runners.ticks) > 0 &&
			atomic.LoadInt64(&runners.escalations) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerStartTwiceFails(t *testing.T) {
	s, _ := newTestScheduler(t, time.Hour)
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Error(t, s.Start())
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t, time.Hour)
	require.NoError(t, s.Start())
	assert.True(t, s.Healthy())

	s.Stop()
	assert.False(t, s.Healthy())
	s.Stop()
}

func TestSchedulerLeaderLockPreventsDoubleRun(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	// Hold the snapshot leader lock; the scheduler's ticks must all lose
	// the election.
	require.NoError(t, rdb.SetNX(context.Background(), "lock:scheduler:snapshot", "other-replica", time.Minute).Err())

	runners := &countingRunners{}
	s := NewScheduler(nil, rdb, runners, runners, &countingEscalator{runners: runners}, Intervals{
		Snapshot:   20 * time.Millisecond,
		Campaign:   time.Hour,
		Escalation: time.Hour,
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt64(&runners.snapshots))
	assert.Positive(t, atomic.LoadInt64(&s.lockMisses))
}
