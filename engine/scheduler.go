package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"progresskit/core"
)

// FamilySchedule pairs a family with its refresh cadence.
type FamilySchedule struct {
	Family   core.Family
	Interval time.Duration
}

// DefaultSchedules returns the per-family refresh cadence used when the
// configuration does not override it. Leaderboards churn fastest; the
// slower families are definition-driven and tolerate staleness.
func DefaultSchedules() []FamilySchedule {
	return []FamilySchedule{
		{Family: core.FamilyLeaderboard, Interval: 2 * time.Minute},
		{Family: core.FamilyTournament, Interval: 5 * time.Minute},
		{Family: core.FamilyQuest, Interval: 10 * time.Minute},
		{Family: core.FamilyEvent, Interval: 15 * time.Minute},
		{Family: core.FamilyReferral, Interval: 30 * time.Minute},
		{Family: core.FamilySeason, Interval: time.Hour},
		{Family: core.FamilyAchievement, Interval: time.Hour},
	}
}

// Scheduler drives one independent refresh loop per family. On each tick
// it resyncs the family's definitions and remote progress, sweeps expired
// items, and re-evaluates progress touched since the previous tick. A slow
// or failing tick in one family never delays another.
type Scheduler struct {
	tracker     *Tracker
	schedules   []FamilySchedule
	tickTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	lastTick map[core.Family]time.Time
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickTimeout bounds one family tick end to end.
func WithTickTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickTimeout = d
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewScheduler(tracker *Tracker, schedules []FamilySchedule, opts ...SchedulerOption) *Scheduler {
	if tracker == nil {
		panic("NewScheduler requires a non-nil tracker")
	}
	if len(schedules) == 0 {
		schedules = DefaultSchedules()
	}
	s := &Scheduler{
		tracker:     tracker,
		schedules:   schedules,
		tickTimeout: time.Minute,
		logger:      slog.Default(),
		lastTick:    map[core.Family]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches one goroutine per family. Each family ticks once
// immediately so definitions are primed, then on its interval. Calling
// Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	for _, sched := range s.schedules {
		s.wg.Add(1)
		go s.loop(ctx, sched)
	}
}

// Stop cancels all timers and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, sched FamilySchedule) {
	defer s.wg.Done()
	s.tick(ctx, sched.Family)
	ticker := time.NewTicker(sched.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, sched.Family)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, family core.Family) {
	tctx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()

	s.mu.Lock()
	since := s.lastTick[family]
	s.lastTick[family] = time.Now().UTC()
	s.mu.Unlock()

	if err := s.tracker.Resync(tctx, family); err != nil {
		s.logger.Warn("resync failed", "family", family, "error", err)
	}
	if n, err := s.tracker.SweepExpired(tctx, family); err != nil {
		s.logger.Warn("expiry sweep failed", "family", family, "error", err)
	} else if n > 0 {
		s.logger.Info("swept expired items", "family", family, "count", n)
	}
	if err := s.tracker.ReevaluateSince(tctx, family, since); err != nil {
		s.logger.Warn("reevaluation failed", "family", family, "error", err)
	}
}
