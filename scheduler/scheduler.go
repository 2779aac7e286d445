// Package scheduler turns persisted workflow definitions into firings: a
// timer-driven loop for cron triggers, a queue-fed dispatcher for webhook
// events, and a shared runner that does the execution bookkeeping. Workflows
// run straight from their stored, already-verified source; the model is not
// involved.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/schedule"
	"github.com/loomhq/loom/store"
)

// Scheduler drives cron workflows on a fixed tick: find everything due,
// fire each one in isolation, recompute its next run.
type Scheduler struct {
	store    store.Store
	runner   *Runner
	interval time.Duration
	clock    func() time.Time
	log      *zap.Logger

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

type Option func(*Scheduler)

func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

func New(st store.Store, runner *Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		runner:   runner,
		interval: time.Minute,
		clock:    time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the tick loop. Non-blocking.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	close(s.stop)
	<-s.done
}

// Tick runs one scheduling pass: every active cron workflow whose
// nextRunAt has come due is fired, then has its run times advanced. One
// workflow failing never aborts its siblings in the same batch.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock()
	due, err := s.store.DueCronWorkflows(ctx, now)
	if err != nil {
		s.log.Error("failed to select due workflows", zap.Error(err))
		return
	}

	for _, wf := range due {
		s.runOne(ctx, wf, now)
	}
}

func (s *Scheduler) runOne(ctx context.Context, wf store.Workflow, now time.Time) {
	s.runner.Fire(ctx, wf, store.SourceCron, nil)

	var nextRun *time.Time
	next, err := schedule.NextRun(wf.CronSchedule, s.clock())
	if err != nil {
		// A stored schedule that no longer parses cannot fire again;
		// clearing nextRunAt takes it out of the due query.
		s.log.Error("failed to recompute next run; workflow will not be rescheduled",
			zap.String("workflow", wf.Name),
			zap.String("schedule", wf.CronSchedule),
			zap.Error(err))
	} else {
		nextRun = &next
	}
	if err := s.store.AdvanceRunTimes(ctx, wf.ID, now, nextRun); err != nil {
		s.log.Error("failed to advance run times",
			zap.String("workflow", wf.Name),
			zap.Error(err))
	}
}
