// Package bus implements the runtime's typed publish/subscribe signal bus.
//
// It decouples producers (the game adapter, the Action Layer, the Combat
// Reflex FSM) from reactive consumers: Publish performs synchronous fan-out
// to every live, non-throttled subscription, but each subscription drains
// its own FIFO queue on a dedicated goroutine so a slow or panicking
// handler never blocks the publisher or its siblings.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maitrongthinh/agentrt/internal/logging"
)

// Signal is drawn from a closed enumeration; producers must not invent
// ad-hoc names.
type Signal string

const (
	SignalHealthLow        Signal = "health-low"
	SignalHealthCritical   Signal = "health-critical"
	SignalThreatDetected   Signal = "threat-detected"
	SignalDamageTaken      Signal = "damage-taken"
	SignalCombatStarted    Signal = "combat-started"
	SignalCombatEnded      Signal = "combat-ended"
	SignalTaskCompleted    Signal = "task-completed"
	SignalTaskFailed       Signal = "task-failed"
	SignalActionFailed     Signal = "action-failed"
	SignalRuleLearned      Signal = "rule-learned"
	SignalRuleReverted     Signal = "rule-reverted"
	SignalSkillLearned     Signal = "skill-learned"
	SignalSkillFailed      Signal = "skill-failed"
	SignalDeath            Signal = "death"
	SignalMemoryStored     Signal = "memory-stored"
	SignalEnvironmentScan  Signal = "environment-scan"
	SignalToolNeeded       Signal = "tool-needed"
	SignalSystemError      Signal = "system-error"
	SignalEmergencyRecall  Signal = "emergency-recall"
	SignalSystem2Degraded  Signal = "system2-degraded"
	SignalEngagedTarget    Signal = "engaged-target"
	SignalBotSpawned       Signal = "bot-spawned"
	SignalBotReady         Signal = "bot-ready"
)

// Payload is the heterogeneous record carried by a signal. A signal's
// payload schema is fixed per signal name — callers are expected to
// populate the keys documented for that Signal constant.
type Payload map[string]any

// Handler reacts to a delivered payload. A handler that panics is recovered
// by the bus and logged; the panic never reaches the publisher or sibling
// subscriptions.
type Handler func(Payload)

// Bus is the process-owned signal bus. The zero value is not usable; call New.
type Bus struct {
	mu   sync.Mutex
	subs map[Signal]map[string]*subscription
	now  func() time.Time
	log  *logging.Logger
}

// Option configures optional Bus behaviour at construction time.
type Option func(*Bus)

// WithClock overrides the default wall-clock time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) {
		if clock != nil {
			b.now = clock
		}
	}
}

// WithLogger attaches a structured logger used for handler panics and diagnostics.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.log = logger
		}
	}
}

// New constructs a ready-to-use signal bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[Signal]map[string]*subscription),
		now:  time.Now,
		log:  logging.NewTestLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscription represents a live (signal, handler, throttle) tuple.
type Subscription struct {
	id     string
	signal Signal
	bus    *Bus
	once   sync.Once
}

// ID returns the subscription's stable identifier.
func (s *Subscription) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Unsubscribe synchronously deregisters the subscription. No new handler
// invocation starts after this returns; any handler already executing
// finishes uncancelled.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() {
		s.bus.unsubscribe(s.signal, s.id)
	})
}

// Subscribe attaches handler to signal. throttle, when positive, drops
// publications that arrive within the window of the last delivered one
// for this subscription only.
func (b *Bus) Subscribe(signal Signal, handler Handler, throttle time.Duration) *Subscription {
	if b == nil || handler == nil {
		return nil
	}
	sub := &subscription{
		id:       uuid.NewString(),
		handler:  handler,
		throttle: throttle,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		log:      b.log,
	}
	b.mu.Lock()
	set, ok := b.subs[signal]
	if !ok {
		set = make(map[string]*subscription)
		b.subs[signal] = set
	}
	set[sub.id] = sub
	b.mu.Unlock()

	go sub.run()

	return &Subscription{id: sub.id, signal: signal, bus: b}
}

func (b *Bus) unsubscribe(signal Signal, id string) {
	b.mu.Lock()
	sub, ok := b.subs[signal][id]
	if ok {
		delete(b.subs[signal], id)
		if len(b.subs[signal]) == 0 {
			delete(b.subs, signal)
		}
	}
	b.mu.Unlock()
	if ok {
		close(sub.stop)
	}
}

// Publish performs synchronous in-process fan-out to all live subscriptions
// for name. It returns as soon as every eligible subscription's
// FIFO queue has accepted the payload — it never waits for a handler to run.
func (b *Bus) Publish(signal Signal, payload Payload) {
	if b == nil {
		return
	}
	b.mu.Lock()
	set := b.subs[signal]
	targets := make([]*subscription, 0, len(set))
	for _, sub := range set {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	now := b.now()
	for _, sub := range targets {
		if sub.shouldThrottle(now) {
			continue
		}
		sub.enqueue(payload)
	}
}

// SubscriberCount reports how many live subscriptions exist for signal, for tests.
func (b *Bus) SubscriberCount(signal Signal) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[signal])
}

// subscription holds per-subscriber delivery state: an unbounded FIFO queue
// drained by a single consumer goroutine, guaranteeing ordered, isolated
// handler execution: siblings never see each other's failures, and
// per-subscription order matches publish order.
type subscription struct {
	id       string
	handler  Handler
	throttle time.Duration
	log      *logging.Logger

	deliverMu     sync.Mutex
	lastDelivered time.Time

	queueMu sync.Mutex
	queue   []Payload
	notify  chan struct{}
	stop    chan struct{}
}

func (s *subscription) shouldThrottle(now time.Time) bool {
	if s.throttle <= 0 {
		return false
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.lastDelivered.IsZero() && now.Sub(s.lastDelivered) < s.throttle {
		return true
	}
	s.lastDelivered = now
	return false
}

func (s *subscription) enqueue(p Payload) {
	s.queueMu.Lock()
	s.queue = append(s.queue, p)
	s.queueMu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.queueMu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.stop:
				return
			}
		}
		payload := s.queue[0]
		s.queue = s.queue[1:]
		s.queueMu.Unlock()
		s.invoke(payload)
	}
}

func (s *subscription) invoke(payload Payload) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("signal handler panicked",
				logging.Component("bus"),
				logging.String("subscription_id", s.id),
				logging.String("recover", formatRecover(r)))
		}
	}()
	s.handler(payload)
}

func formatRecover(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return time.Now().UTC().Format(time.RFC3339Nano) + ": " + stringifyRecover(r)
}

func stringifyRecover(r any) string {
	type stringer interface{ String() string }
	if s, ok := r.(stringer); ok {
		return s.String()
	}
	if s, ok := r.(string); ok {
		return s
	}
	return "panic"
}
