// Package venue provides the paced, retrying access layer to the remote
// execution venue and the typed adapter over its connection.
package venue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pacer enforces a minimum interval between outbound venue calls across the
// whole process. Callers reserve a slot under the mutex and then sleep until
// their slot arrives, which imposes a total order on remote calls spaced by
// the configured interval.
//
// One Pacer instance is wired into every remote-call path; the slot state is
// advisory and never persisted.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPacer creates a Pacer with the given minimum inter-call interval.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{
		interval: interval,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Wait blocks until the caller's reserved slot arrives, then returns. It
// returns the context error if cancelled while waiting.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	now := p.now()
	slot := p.next
	if slot.Before(now) {
		slot = now
	}
	p.next = slot.Add(p.interval)
	p.mu.Unlock()

	if wait := slot.Sub(now); wait > 0 {
		if err := p.sleep(ctx, wait); err != nil {
			return fmt.Errorf("venue: pacer wait: %w", err)
		}
	}
	return nil
}

// RetryWithBackoff runs fn up to maxAttempts times, sleeping
// baseDelay × 2^(attempt-1) between attempts. The last error is returned
// after the final attempt; context cancellation aborts the wait.
func RetryWithBackoff(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		delay := baseDelay << (attempt - 1)
		if serr := sleepCtx(ctx, delay); serr != nil {
			return fmt.Errorf("venue: backoff wait: %w", serr)
		}
	}
	return err
}

// sleepCtx sleeps for d, honouring context cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
