package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle enforces a minimum interval between consecutive sends to one
// target. It delays callers and never drops them. A zero interval disables
// throttling.
type Throttle struct {
	interval time.Duration
	limiter  *rate.Limiter

	mu       sync.Mutex
	lastSend time.Time
	waits    int
}

func NewThrottle(interval time.Duration) *Throttle {
	t := &Throttle{interval: interval}
	if interval > 0 {
		t.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return t
}

func (t *Throttle) Interval() time.Duration {
	if t == nil {
		return 0
	}
	return t.interval
}

// Wait blocks until the next send slot or until ctx is done. Callers send
// right after it returns; the slot time is recorded as the send time.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if t.limiter != nil {
		r := t.limiter.Reserve()
		if delay := r.Delay(); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.Cancel()
				return ctx.Err()
			case <-timer.C:
			}
			t.mu.Lock()
			t.waits++
			t.mu.Unlock()
		}
	}

	t.mu.Lock()
	t.lastSend = time.Now()
	t.mu.Unlock()
	return nil
}

// LastSend reports when the most recent send slot was granted.
func (t *Throttle) LastSend() time.Time {
	if t == nil {
		return time.Time{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSend
}

// Delayed counts slots that had to wait.
func (t *Throttle) Delayed() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waits
}
