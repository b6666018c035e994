package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter caps send throughput per key. Keys are target ids.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}

var _ RateLimiter = (*LocalRateLimiter)(nil)

// LocalRateLimiter is an in-process RateLimiter holding one token bucket per key.
type LocalRateLimiter struct {
	mu       sync.Mutex
	perSec   rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewLocalRateLimiter(perSec int) *LocalRateLimiter {
	if perSec <= 0 {
		perSec = 1
	}
	return &LocalRateLimiter{
		perSec:   rate.Limit(perSec),
		burst:    perSec,
		limiters: map[string]*rate.Limiter{},
	}
}

func (l *LocalRateLimiter) limiter(key string) (*rate.Limiter, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return nil, fmt.Errorf("rate limit key is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[normalized]
	if !ok {
		lim = rate.NewLimiter(l.perSec, l.burst)
		l.limiters[normalized] = lim
	}
	return lim, nil
}

func (l *LocalRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	lim, err := l.limiter(key)
	if err != nil {
		return false, err
	}
	return lim.Allow(), nil
}

func (l *LocalRateLimiter) Wait(ctx context.Context, key string) error {
	lim, err := l.limiter(key)
	if err != nil {
		return err
	}
	return lim.Wait(ctx)
}
