// Package scheduler implements the runtime's priority-preemptive task
// scheduler: a cooperative 50ms tick loop that admits, runs, and
// watchdogs work submitted by deliberative code, gated by a Blackboard-read
// threat level so SURVIVAL work can never be starved by background tasks.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maitrongthinh/agentrt/internal/blackboard"
	"github.com/maitrongthinh/agentrt/internal/bus"
	"github.com/maitrongthinh/agentrt/internal/logging"
)

// Priority is a closed integer enumeration; higher preempts lower in
// admission.
type Priority int

const (
	Background Priority = 10
	Normal     Priority = 50
	High       Priority = 80
	Survival   Priority = 100
)

func (p Priority) base() float64 { return float64(p) }

func (p Priority) threatWeight() float64 {
	if p == Survival {
		return 1.0
	}
	return 0.25
}

// RunFunc is the unit of work a task performs. It must poll ctx for
// cancellation to honor the watchdog's 2s grace period.
type RunFunc func(ctx context.Context) error

// Task describes a unit of schedulable work.
type Task struct {
	ID       string
	Name     string
	Priority Priority
	Exclusive bool
	Deadline time.Time
	Run      RunFunc

	startTime  time.Time
	submitted  time.Time
	cancel     context.CancelFunc
	cancelledAt time.Time
	done       chan struct{}
	err        error
}

// Scheduler owns pending and running tasks and drives the 50ms admission
// tick. The zero value is not usable; call New.
type Scheduler struct {
	mu       sync.Mutex
	pending  []*Task
	running  map[string]*Task
	exclusive *Task

	tick        time.Duration
	maxAge      time.Duration
	cancelGrace time.Duration

	bb  *blackboard.Blackboard
	b   *bus.Bus
	log *logging.Logger
	now func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

func WithMaxAge(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

func WithCancelGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.cancelGrace = d
		}
	}
}

func WithBlackboard(bb *blackboard.Blackboard) Option {
	return func(s *Scheduler) { s.bb = bb }
}

func WithBus(b *bus.Bus) Option {
	return func(s *Scheduler) { s.b = b }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New constructs a scheduler with the default tick (50ms), max task age
// (120s), and cancellation grace (2s).
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		running:     make(map[string]*Task),
		tick:        50 * time.Millisecond,
		maxAge:      120 * time.Second,
		cancelGrace: 2 * time.Second,
		log:         logging.NewTestLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit enqueues a task for admission on the next tick and returns its id.
func (s *Scheduler) Submit(name string, priority Priority, exclusive bool, run RunFunc) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Task{
		ID:        uuid.NewString(),
		Name:      name,
		Priority:  priority,
		Exclusive: exclusive,
		Run:       run,
		submitted: s.now(),
	}
	s.pending = append(s.pending, t)
	return t.ID
}

// Start begins the cooperative tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stop := s.stopCh
	done := s.doneCh
	s.mu.Unlock()

	ticker := time.NewTicker(s.tick)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				s.runTick(ctx)
			}
		}
	}()
}

// Stop halts the tick loop and waits for the goroutine to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stopCh
	done := s.doneCh
	s.stopCh = nil
	s.doneCh = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if done != nil {
		<-done
	}
}

func (s *Scheduler) threatLevel() float64 {
	if s.bb == nil {
		return 0
	}
	v, ok := s.bb.Get("signals.threat_level")
	if !ok {
		return 0
	}
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func (s *Scheduler) utility(t *Task) float64 {
	threat := s.threatLevel()
	return t.Priority.base() * (1 + threat*t.Priority.threatWeight())
}

// runTick performs one admission cycle: expire aged tasks, watchdog stalled
// cancellations, then admit per the exclusive/parallel utility rules.
func (s *Scheduler) runTick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	s.expireAgedLocked(now)
	s.watchdogLocked(now)

	if s.exclusive != nil {
		// An exclusive task is running: admit no new exclusive task, but
		// parallel tasks may still start if their utility clears the floor.
		floor := s.exclusive.Priority.base()
		admissible := s.admissibleParallelLocked(floor)
		s.mu.Unlock()
		for _, t := range admissible {
			s.run(ctx, t)
		}
		return
	}

	best, idx := s.bestPendingLocked()
	if best == nil {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	if best.Exclusive {
		s.exclusive = best
	}
	s.mu.Unlock()
	s.run(ctx, best)
}

func (s *Scheduler) expireAgedLocked(now time.Time) {
	kept := s.pending[:0]
	for _, t := range s.pending {
		if now.Sub(t.submitted) > s.maxAge {
			s.publish(bus.SignalTaskFailed, bus.Payload{"task_id": t.ID, "name": t.Name, "reason": "timeout"})
			continue
		}
		kept = append(kept, t)
	}
	s.pending = kept
}

func (s *Scheduler) watchdogLocked(now time.Time) {
	for id, t := range s.running {
		if t.cancelledAt.IsZero() {
			// A running task past its max age is forcibly cancelled; if it
			// does not honor the token within the grace period, the branch
			// below reaps it with TIMEOUT_AUTO_HEALED.
			if now.Sub(t.startTime) > s.maxAge {
				t.cancelledAt = now
				if t.cancel != nil {
					t.cancel()
				}
			}
			continue
		}
		if now.Sub(t.cancelledAt) > s.cancelGrace {
			delete(s.running, id)
			if s.exclusive == t {
				s.exclusive = nil
			}
			s.publish(bus.SignalTaskFailed, bus.Payload{"task_id": t.ID, "name": t.Name, "reason": "TIMEOUT_AUTO_HEALED"})
		}
	}
}

func (s *Scheduler) bestPendingLocked() (*Task, int) {
	var best *Task
	bestIdx := -1
	bestUtility := -1.0
	for i, t := range s.pending {
		u := s.utility(t)
		if u > bestUtility {
			best = t
			bestUtility = u
			bestIdx = i
		}
	}
	return best, bestIdx
}

func (s *Scheduler) admissibleParallelLocked(floor float64) []*Task {
	var admitted []*Task
	kept := s.pending[:0]
	for _, t := range s.pending {
		if t.Exclusive {
			kept = append(kept, t)
			continue
		}
		if s.utility(t) > floor {
			admitted = append(admitted, t)
			continue
		}
		kept = append(kept, t)
	}
	s.pending = kept
	return admitted
}

func (s *Scheduler) run(ctx context.Context, t *Task) {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.startTime = s.now()
	t.done = make(chan struct{})

	s.mu.Lock()
	s.running[t.ID] = t
	s.mu.Unlock()

	go func() {
		defer close(t.done)
		err := t.Run(runCtx)

		s.mu.Lock()
		_, stillRunning := s.running[t.ID]
		if stillRunning {
			delete(s.running, t.ID)
			if s.exclusive == t {
				s.exclusive = nil
			}
		}
		s.mu.Unlock()

		if !stillRunning {
			// already reaped by the watchdog; task-failed already emitted.
			return
		}
		if err != nil {
			s.publish(bus.SignalTaskFailed, bus.Payload{"task_id": t.ID, "name": t.Name, "error": err.Error()})
			return
		}
		s.publish(bus.SignalTaskCompleted, bus.Payload{"task_id": t.ID, "name": t.Name})
	}()
}

// Cancel requests cancellation of a running task, starting its watchdog
// grace period. Background-preemption invariant: this never targets
// SURVIVAL tasks on behalf of anything but an explicit caller decision.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.running[taskID]
	if !ok {
		return false
	}
	if t.cancelledAt.IsZero() {
		t.cancelledAt = s.now()
	}
	if t.cancel != nil {
		t.cancel()
	}
	return true
}

// CancelExclusive requests cancellation of the currently running exclusive
// task, if any. Used by the emergency-recall path.
func (s *Scheduler) CancelExclusive() bool {
	s.mu.Lock()
	t := s.exclusive
	s.mu.Unlock()
	if t == nil {
		return false
	}
	return s.Cancel(t.ID)
}

func (s *Scheduler) publish(signal bus.Signal, payload bus.Payload) {
	if s.b != nil {
		s.b.Publish(signal, payload)
	}
}

// PendingCount and RunningCount expose internal queue depth for tests and
// diagnostics.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}
