// Package retry implements the runtime's exponential-backoff retry helper
// used by the action layer to wrap every primitive's execution.
package retry

import (
	"context"
	"time"

	"github.com/maitrongthinh/agentrt/internal/logging"
)

// Options configures a retry attempt.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Context    string // free-form tag attached to every log line for this call
	Logger     *logging.Logger
	Sleep      func(d time.Duration) // overridable for deterministic tests
}

// Result reports how many attempts a call took, for callers that need to
// observe how many attempts a call actually took.
type Result struct {
	Attempts int
	Err      error
}

// Do runs op, retrying on error with delay min(base*2^attempt, max) between
// attempts, up to MaxRetries retries (MaxRetries+1 total attempts). The last
// error is returned if every attempt fails. Each attempt is logged with the
// configured context tag.
func Do(ctx context.Context, op func(ctx context.Context) error, opts Options) Result {
	log := opts.Logger
	if log == nil {
		log = logging.NewTestLogger()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = func(d time.Duration) { time.Sleep(d) }
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		attempts++
		err := op(ctx)
		if err == nil {
			log.Debug("retry attempt succeeded",
				logging.Component("retry"),
				logging.String("context", opts.Context),
				logging.Int("attempt", attempts))
			return Result{Attempts: attempts, Err: nil}
		}

		lastErr = err
		log.Warn("retry attempt failed",
			logging.Component("retry"),
			logging.String("context", opts.Context),
			logging.Int("attempt", attempts),
			logging.Error(err))

		if attempt == opts.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		delay := backoffDelay(opts.BaseDelay, opts.MaxDelay, attempt)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			return Result{Attempts: attempts, Err: lastErr}
		default:
		}
		sleep(delay)
	}

	return Result{Attempts: attempts, Err: lastErr}
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
