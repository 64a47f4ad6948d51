// Package worker runs the scheduled engine loops: snapshot batches,
// campaign ticks and escalation runs.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/natemoovs/zerochurn/internal/campaign"
	"github.com/natemoovs/zerochurn/internal/escalation"
	"github.com/natemoovs/zerochurn/internal/pkg/distlock"
	"github.com/natemoovs/zerochurn/internal/pkg/logger"
	"github.com/natemoovs/zerochurn/internal/snapshot"
)

// SnapshotRunner runs one snapshot batch.
type SnapshotRunner interface {
	Run(ctx context.Context) (*snapshot.Summary, error)
}

// CampaignTicker processes one page of due enrollments.
type CampaignTicker interface {
	Tick(ctx context.Context) (*campaign.TickSummary, error)
}

// EscalationRunner runs one escalation sweep.
type EscalationRunner interface {
	Run(ctx context.Context) (*escalation.Summary, error)
}

// Intervals configures the three trigger loops.
type Intervals struct {
	Snapshot   time.Duration
	Campaign   time.Duration
	Escalation time.Duration
}

// Scheduler drives the periodic triggers. Every tick takes a distributed
// leader lock first, so running multiple replicas never double-runs a
// trigger; replicas that lose the election just wait for the next tick.
type Scheduler struct {
	db        *sql.DB
	rdb       *redis.Client // optional; nil falls back to PG advisory locks
	snapshots SnapshotRunner
	campaigns CampaignTicker
	escalator EscalationRunner
	intervals Intervals
	workerID  string

	snapshotRuns   int64
	campaignTicks  int64
	escalationRuns int64
	lockMisses     int64
	tickErrors     int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewScheduler creates a scheduler for the three engine triggers.
func NewScheduler(db *sql.DB, rdb *redis.Client, snapshots SnapshotRunner,
	campaigns CampaignTicker, escalator EscalationRunner, intervals Intervals) *Scheduler {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return &Scheduler{
		db:        db,
		rdb:       rdb,
		snapshots: snapshots,
		campaigns: campaigns,
		escalator: escalator,
		intervals: intervals,
		workerID:  fmt.Sprintf("engine-%s-%d", hostname, time.Now().UnixNano()%10000),
	}
}

// Start launches the trigger loops and the heartbeat.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	logger.Info("scheduler starting",
		"worker_id", s.workerID,
		"snapshot_interval", s.intervals.Snapshot.String(),
		"campaign_interval", s.intervals.Campaign.String(),
		"escalation_interval", s.intervals.Escalation.String())

	s.wg.Add(4)
	go s.loop("snapshot", s.intervals.Snapshot, s.runSnapshot)
	go s.loop("campaign", s.intervals.Campaign, s.runCampaign)
	go s.loop("escalation", s.intervals.Escalation, s.runEscalation)
	go s.heartbeatLoop()

	return nil
}

// Stop cancels the loops and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	logger.Info("scheduler stopped",
		"snapshot_runs", atomic.LoadInt64(&s.snapshotRuns),
		"campaign_ticks", atomic.LoadInt64(&s.campaignTicks),
		"escalation_runs", atomic.LoadInt64(&s.escalationRuns),
		"tick_errors", atomic.LoadInt64(&s.tickErrors))
}

// Healthy reports whether the loops are running, for the liveness probe.
func (s *Scheduler) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(name string, interval time.Duration, tick func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.withLeaderLock(name, interval, tick)
		}
	}
}

// withLeaderLock runs tick only on the replica that wins the per-trigger
// lock. The lock TTL covers a full interval so a crashed leader's lock
// expires before the next tick.
func (s *Scheduler) withLeaderLock(name string, interval time.Duration, tick func(context.Context)) {
	lock := distlock.New(s.rdb, s.db, "scheduler:"+name, interval)

	acquired, err := lock.Acquire(s.ctx)
	if err != nil {
		logger.Warn("leader lock error", "trigger", name, "error", err.Error())
		return
	}
	if !acquired {
		atomic.AddInt64(&s.lockMisses, 1)
		logger.Debug("leader lock held elsewhere", "trigger", name)
		return
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			logger.Warn("leader lock release failed", "trigger", name, "error", err.Error())
		}
	}()

	tick(s.ctx)
}

func (s *Scheduler) runSnapshot(ctx context.Context) {
	atomic.AddInt64(&s.snapshotRuns, 1)
	if _, err := s.snapshots.Run(ctx); err != nil {
		atomic.AddInt64(&s.tickErrors, 1)
		logger.Error("scheduled snapshot run failed", "error", err.Error())
	}
}

func (s *Scheduler) runCampaign(ctx context.Context) {
	atomic.AddInt64(&s.campaignTicks, 1)
	if _, err := s.campaigns.Tick(ctx); err != nil {
		atomic.AddInt64(&s.tickErrors, 1)
		logger.Error("scheduled campaign tick failed", "error", err.Error())
	}
}

func (s *Scheduler) runEscalation(ctx context.Context) {
	atomic.AddInt64(&s.escalationRuns, 1)
	if _, err := s.escalator.Run(ctx); err != nil {
		atomic.AddInt64(&s.tickErrors, 1)
		logger.Error("scheduled escalation run failed", "error", err.Error())
	}
}

// heartbeatLoop logs liveness with the loop counters every minute.
func (s *Scheduler) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			logger.Debug("scheduler heartbeat",
				"worker_id", s.workerID,
				"snapshot_runs", atomic.LoadInt64(&s.snapshotRuns),
				"campaign_ticks", atomic.LoadInt64(&s.campaignTicks),
				"escalation_runs", atomic.LoadInt64(&s.escalationRuns),
				"lock_misses", atomic.LoadInt64(&s.lockMisses),
				"tick_errors", atomic.LoadInt64(&s.tickErrors))
		}
	}
}
