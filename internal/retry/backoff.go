// Package retry holds the delivery retry schedule.
package retry

import (
	"context"
	"math/rand"
	"time"
)

const (
	DefaultBase   = time.Second
	DefaultMax    = 30 * time.Second
	DefaultJitter = 250 * time.Millisecond
)

// Backoff is an exponential schedule: Base doubled per completed attempt,
// capped at Max, plus up to Jitter of random delay.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration

	randIntn func(n int) int
}

func NewBackoff(base, ceiling, jitter time.Duration) Backoff {
	return Backoff{Base: base, Max: ceiling, Jitter: jitter, randIntn: rand.Intn}
}

// WithRand returns a copy that draws jitter from fn.
func (b Backoff) WithRand(fn func(n int) int) Backoff {
	b.randIntn = fn
	return b
}

// Delay returns the wait before retry number attempt (1 is the first retry).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := b.Base
	if base <= 0 {
		base = DefaultBase
	}
	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = DefaultMax
	}
	if base > ceiling {
		base = ceiling
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			delay = ceiling
			break
		}
	}

	jitterMillis := 0
	if b.randIntn != nil && b.Jitter >= time.Millisecond {
		jitterMillis = b.randIntn(int(b.Jitter/time.Millisecond) + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

// Schedule lists the delays between attempts for a ceiling of attempts
// total sends.
func (b Backoff) Schedule(attempts int) []time.Duration {
	if attempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, attempts-1)
	for i := 1; i < attempts; i++ {
		out = append(out, b.Delay(i))
	}
	return out
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
