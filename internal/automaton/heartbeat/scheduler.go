// Package heartbeat runs the automaton's scheduled tasks and produces wake
// signals for the turn engine.
//
// One loop owns the clock. Tasks fire on standard cron expressions, run
// serially within a tick, and are throttled by the survival tier. A failing
// task degrades itself; it never takes the scheduler down with it.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/automatonhq/automaton/internal/automaton/survival"
)

// degradeThreshold is the consecutive-failure count after which a task runs
// at doubled interval until it succeeds once.
const degradeThreshold = 3

// TaskResult is what a handler reports back to the loop.
type TaskResult struct {
	ShouldWake bool
	Message    string
}

// TaskFunc is one heartbeat handler. Handlers may mutate state through the
// store; they must not block past the context deadline.
type TaskFunc func(ctx context.Context) (TaskResult, error)

type handler struct {
	fn              TaskFunc
	criticalAllowed bool
}

type task struct {
	name            string
	spec            string
	sched           cron.Schedule
	run             TaskFunc
	criticalAllowed bool
	enabled         bool

	nextFire   time.Time
	failStreak int
	degraded   bool
}

// Scheduler fires registered tasks on their cron schedules.
type Scheduler struct {
	mu       sync.Mutex
	handlers map[string]handler
	tasks    []*task

	tier       func() survival.Tier
	multiplier int
	queue      *WakeQueue
	logger     *slog.Logger

	now       func() time.Time
	tickEvery time.Duration
}

// New returns a scheduler with no tasks bound yet. Register handlers, then
// call Configure with the parsed heartbeat.yml.
func New(tier func() survival.Tier, queue *WakeQueue, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		handlers:   make(map[string]handler),
		tier:       tier,
		multiplier: 4,
		queue:      queue,
		logger:     logger,
		now:        time.Now,
		tickEvery:  time.Second,
	}
}

// RegisterHandler makes a task implementation available under an identifier.
// criticalAllowed marks handlers that keep running at the critical tier.
func (s *Scheduler) RegisterHandler(id string, criticalAllowed bool, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[id] = handler{fn: fn, criticalAllowed: criticalAllowed}
}

// Configure binds schedule entries to registered handlers. Entries naming an
// unregistered handler are an error; the schedule file and the binary must
// agree on the task set.
func (s *Scheduler) Configure(cfg *FileConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.LowComputeMultiplier >= 1 {
		s.multiplier = cfg.LowComputeMultiplier
	}

	now := s.now()
	var tasks []*task
	for _, e := range cfg.Entries {
		h, ok := s.handlers[e.Task]
		if !ok {
			return fmt.Errorf("heartbeat: entry %s names unregistered task %s", e.Name, e.Task)
		}
		sched, err := cron.ParseStandard(e.Schedule)
		if err != nil {
			return fmt.Errorf("heartbeat: entry %s: parse schedule %q: %w", e.Name, e.Schedule, err)
		}
		tasks = append(tasks, &task{
			name:            e.Name,
			spec:            e.Schedule,
			sched:           sched,
			run:             h.fn,
			criticalAllowed: h.criticalAllowed,
			enabled:         e.Enabled,
			nextFire:        sched.Next(now),
		})
	}
	s.tasks = tasks
	return nil
}

// Run drives the loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	s.logger.Info("heartbeat scheduler started", "tasks", len(s.tasks))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("heartbeat scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// tick runs every due task serially, in configuration order.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	tier := s.tier()

	s.mu.Lock()
	tasks := s.tasks
	s.mu.Unlock()

	for _, t := range tasks {
		if !t.enabled || now.Before(t.nextFire) {
			continue
		}
		if !s.permitted(t, tier) {
			// Still due later; advance so a tier recovery does not unleash
			// a backlog of stale fires.
			t.nextFire = s.next(t, now, tier)
			continue
		}

		res, err := t.run(ctx)
		if err != nil {
			t.failStreak++
			if t.failStreak >= degradeThreshold && !t.degraded {
				t.degraded = true
				s.logger.Warn("heartbeat task degraded",
					"task", t.name, "consecutive_failures", t.failStreak)
			}
			s.logger.Error("heartbeat task failed", "task", t.name, "err", err)
		} else {
			if t.degraded {
				s.logger.Info("heartbeat task recovered", "task", t.name)
			}
			t.failStreak = 0
			t.degraded = false
			if res.ShouldWake {
				reason := res.Message
				if reason == "" {
					reason = t.name
				}
				if !s.queue.Push(reason) {
					s.logger.Warn("wake queue full, dropping", "task", t.name, "reason", reason)
				}
			}
		}

		t.nextFire = s.next(t, now, tier)
	}
}

// permitted applies tier gating: dead leaves only the liveness ping, critical
// leaves only tasks marked criticalAllowed.
func (s *Scheduler) permitted(t *task, tier survival.Tier) bool {
	switch tier {
	case survival.TierDead:
		return t.name == "heartbeat_ping"
	case survival.TierCritical:
		return t.criticalAllowed
	default:
		return true
	}
}

// next computes the task's next fire time, stretching the interval under
// low_compute and for degraded tasks.
func (s *Scheduler) next(t *task, now time.Time, tier survival.Tier) time.Time {
	fire := t.sched.Next(now)
	interval := fire.Sub(now)
	if tier == survival.TierLowCompute {
		interval *= time.Duration(s.multiplier)
	}
	if t.degraded {
		interval *= 2
	}
	return now.Add(interval)
}
