package retry

import (
	"context"
	"time"
)

// Policy bounds retries for upstream exchange and chain RPC calls.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Default is the policy applied to upstream network calls unless a caller
// overrides it: three attempts with an increasing pause between them.
var Default = Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}

// Do invokes fn until it succeeds, attempts are exhausted, or ctx is
// cancelled. The delay before attempt n is n*BaseDelay.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		delay := time.Duration(attempt) * p.BaseDelay
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
