package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/fanout/internal/ratelimit"
	"github.com/kursadbilgin/fanout/internal/retry"
	goredis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "fanout:ratelimit"
	defaultWindow = time.Second
	pollStep      = 10 * time.Millisecond
	pollMax       = 100 * time.Millisecond
)

// Fixed window counter. ARGV[1] is the limit, ARGV[2] the window in ms.
var windowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*SharedRateLimiter)(nil)

// SharedRateLimiter caps sends per target across every process that points
// at the same Redis.
type SharedRateLimiter struct {
	client *goredis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewSharedRateLimiter allows limitPerSec sends per target per second.
func NewSharedRateLimiter(client *goredis.Client, limitPerSec int) (*SharedRateLimiter, error) {
	return newSharedRateLimiter(client, int64(limitPerSec), defaultWindow, time.Now, retry.Sleep)
}

func newSharedRateLimiter(
	client *goredis.Client,
	limit int64,
	window time.Duration,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*SharedRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("shared rate limit must be positive, got %d", limit)
	}
	if window <= 0 {
		window = defaultWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = retry.Sleep
	}

	return &SharedRateLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    nowFn,
		sleep:  sleepFn,
	}, nil
}

func (r *SharedRateLimiter) bucketKey(target string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(target))
	if normalized == "" {
		return "", fmt.Errorf("rate limit key is required")
	}
	bucket := r.now().UTC().UnixMilli() / r.window.Milliseconds()
	return fmt.Sprintf("%s:%s:%d", keyPrefix, normalized, bucket), nil
}

func (r *SharedRateLimiter) Allow(ctx context.Context, target string) (bool, error) {
	if r == nil || r.client == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	key, err := r.bucketKey(target)
	if err != nil {
		return false, err
	}

	result, err := windowScript.Run(ctx, r.client, []string{key}, r.limit, r.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

// Wait polls Allow with a growing pause until a slot opens or ctx ends.
func (r *SharedRateLimiter) Wait(ctx context.Context, target string) error {
	pause := pollStep
	for {
		allowed, err := r.Allow(ctx, target)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, pause); err != nil {
			return err
		}

		pause *= 2
		if pause > pollMax {
			pause = pollMax
		}
	}
}
