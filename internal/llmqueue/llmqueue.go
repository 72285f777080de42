// Package llmqueue gates every language-model call behind a process-global
// request queue: a per-minute rate limit, priority-ordered admission
// (SURVIVAL > HIGH > NORMAL > LOW), exponential backoff on rate-limit and
// server errors, and a circuit breaker that opens after repeated failures
// and half-opens after a cool-off.
package llmqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/maitrongthinh/agentrt/internal/bus"
	"github.com/maitrongthinh/agentrt/internal/logging"
	"github.com/maitrongthinh/agentrt/internal/ports"
)

// Priority orders queued language-model requests. Higher admits first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Survival
)

const (
	defaultPerMinute      = 20
	defaultBreakerLimit   = 5
	defaultBreakerCooloff = 30 * time.Second
	defaultMaxRetries     = 2
	defaultBaseDelay      = 500 * time.Millisecond
	defaultMaxDelay       = 8 * time.Second
	pollInterval          = 10 * time.Millisecond
)

// ErrCircuitOpen is returned without touching the inner port while the
// breaker is open.
var ErrCircuitOpen = errors.New("language-model circuit breaker open")

// Queue wraps an inner LanguageModel port. It implements ports.LanguageModel
// itself (at Normal priority) so callers that do not care about priority can
// use it as a drop-in replacement.
type Queue struct {
	mu sync.Mutex

	inner     ports.LanguageModel
	perMinute int
	window    []time.Time

	waiting [Survival + 1]int // queued-but-not-admitted count per priority

	failures  int
	openUntil time.Time
	probing   bool

	breakerLimit   int
	breakerCooloff time.Duration
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration

	b     *bus.Bus
	log   *logging.Logger
	now   func() time.Time
	sleep func(time.Duration)
}

// Option configures a Queue at construction time.
type Option func(*Queue)

func WithPerMinute(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.perMinute = n
		}
	}
}

func WithBreaker(limit int, cooloff time.Duration) Option {
	return func(q *Queue) {
		if limit > 0 {
			q.breakerLimit = limit
		}
		if cooloff > 0 {
			q.breakerCooloff = cooloff
		}
	}
}

func WithRetry(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(q *Queue) {
		if maxRetries >= 0 {
			q.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			q.baseDelay = baseDelay
		}
		if maxDelay > 0 {
			q.maxDelay = maxDelay
		}
	}
}

func WithBus(b *bus.Bus) Option { return func(q *Queue) { q.b = b } }

func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.now = clock
		}
	}
}

func WithSleep(sleep func(time.Duration)) Option {
	return func(q *Queue) {
		if sleep != nil {
			q.sleep = sleep
		}
	}
}

// New constructs a queue gating inner.
func New(inner ports.LanguageModel, opts ...Option) *Queue {
	q := &Queue{
		inner:          inner,
		perMinute:      defaultPerMinute,
		breakerLimit:   defaultBreakerLimit,
		breakerCooloff: defaultBreakerCooloff,
		maxRetries:     defaultMaxRetries,
		baseDelay:      defaultBaseDelay,
		maxDelay:       defaultMaxDelay,
		log:            logging.NewTestLogger(),
		now:            time.Now,
		sleep:          time.Sleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Chat implements ports.LanguageModel at Normal priority.
func (q *Queue) Chat(ctx context.Context, messages []ports.ChatMessage) (string, error) {
	return q.ChatWithPriority(ctx, Normal, messages)
}

// PromptCoding implements ports.LanguageModel at Normal priority.
func (q *Queue) PromptCoding(ctx context.Context, messages []ports.ChatMessage) (string, error) {
	return q.PromptCodingWithPriority(ctx, Normal, messages)
}

// ChatWithPriority runs a chat call through the gate at the given priority.
func (q *Queue) ChatWithPriority(ctx context.Context, p Priority, messages []ports.ChatMessage) (string, error) {
	return q.do(ctx, p, func(ctx context.Context) (string, error) {
		return q.inner.Chat(ctx, messages)
	})
}

// PromptCodingWithPriority runs a coding call through the gate at the given priority.
func (q *Queue) PromptCodingWithPriority(ctx context.Context, p Priority, messages []ports.ChatMessage) (string, error) {
	return q.do(ctx, p, func(ctx context.Context) (string, error) {
		return q.inner.PromptCoding(ctx, messages)
	})
}

func (q *Queue) do(ctx context.Context, p Priority, call func(ctx context.Context) (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= q.maxRetries; attempt++ {
		if err := q.admit(ctx, p); err != nil {
			return "", err
		}
		reply, err := call(ctx)
		probe := q.settle(err)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		q.log.Warn("language-model call failed",
			logging.Component("llmqueue"), logging.Int("attempt", attempt+1), logging.Error(err))
		if probe || !isTransient(err) || attempt == q.maxRetries {
			break
		}
		q.sleep(backoff(q.baseDelay, q.maxDelay, attempt))
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

// admit blocks until a rate slot is free and no higher-priority request is
// still waiting, or fails fast while the breaker is open.
func (q *Queue) admit(ctx context.Context, p Priority) error {
	q.mu.Lock()
	q.waiting[p]++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.waiting[p]--
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		now := q.now()

		if now.Before(q.openUntil) {
			q.mu.Unlock()
			return ErrCircuitOpen
		}
		if !q.openUntil.IsZero() && !q.probing {
			// Cool-off elapsed: half-open, admit exactly one probe.
			q.probing = true
			q.mu.Unlock()
			return nil
		}
		if q.probing {
			q.mu.Unlock()
			return ErrCircuitOpen
		}

		q.evictWindowLocked(now)
		higherWaiting := false
		for hp := p + 1; hp <= Survival; hp++ {
			if q.waiting[hp] > 0 {
				higherWaiting = true
				break
			}
		}
		if !higherWaiting && len(q.window) < q.perMinute {
			q.window = append(q.window, now)
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.sleep(pollInterval)
	}
}

// settle records a call's outcome into the breaker and reports whether the
// call was a half-open probe.
func (q *Queue) settle(err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	probe := q.probing
	q.probing = false

	if err == nil {
		q.failures = 0
		q.openUntil = time.Time{}
		return probe
	}

	if probe {
		q.openUntil = q.now().Add(q.breakerCooloff)
		return true
	}

	q.failures++
	if q.failures >= q.breakerLimit {
		q.openUntil = q.now().Add(q.breakerCooloff)
		q.failures = 0
		if q.b != nil {
			q.b.Publish(bus.SignalSystem2Degraded, bus.Payload{"reason": "language-model circuit open"})
		}
	}
	return false
}

func (q *Queue) evictWindowLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := q.window[:0]
	for _, t := range q.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	q.window = kept
}

// isTransient classifies rate-limit and server-side errors, which are worth
// backing off and retrying; anything else fails the call immediately.
func isTransient(err error) bool {
	msg := err.Error()
	for _, token := range []string{"429", "500", "502", "503", "504", "rate limit", "overloaded", "timeout"} {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
