package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agri_gateway/internal/utils"
)

// Counter TTL runs slightly past the window so stragglers at a minute
// boundary still count against the bucket they arrived in.
const minuteCounterTTL = 120 * time.Second

// MinuteResult reports a gate decision.
type MinuteResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// MinuteLimiter enforces the per-minute allowance with a fixed-window
// counter in Redis, bucketed by UTC minute. The check-and-increment
// runs as one Lua script so the counter never exceeds limit: a rejected
// request leaves the count where it was.
//
// Counting tolerates slight over/under-count at minute boundaries;
// that imprecision is accepted, not hidden.
type MinuteLimiter struct {
	client *redis.Client
	clock  utils.Clock
}

func NewMinuteLimiter(client *redis.Client, clock utils.Clock) *MinuteLimiter {
	return &MinuteLimiter{client: client, clock: clock}
}

var minuteScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])

	local count = tonumber(redis.call('GET', key)) or 0
	if count >= limit then
		return {0, count}
	end

	count = redis.call('INCR', key)
	redis.call('EXPIRE', key, ttl)
	return {1, count}
`)

// Allow consumes one unit of the developer's per-minute allowance.
func (l *MinuteLimiter) Allow(ctx context.Context, developerID string, limit int) (MinuteResult, error) {
	now := l.clock.Now().UTC()
	key := fmt.Sprintf("ratelimit:%s:%s", developerID, MinuteBucket(now))

	res, err := minuteScript.Run(ctx, l.client, []string{key},
		limit, int(minuteCounterTTL.Seconds())).Int64Slice()
	if err != nil {
		return MinuteResult{}, fmt.Errorf("minute limit check failed: %w", err)
	}
	if len(res) != 2 {
		return MinuteResult{}, fmt.Errorf("minute limit script returned %d values", len(res))
	}

	resetAt := now.Truncate(time.Minute).Add(time.Minute)

	if res[0] == 0 {
		return MinuteResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	return MinuteResult{
		Allowed:   true,
		Remaining: limit - int(res[1]),
		ResetAt:   resetAt,
	}, nil
}

// MinuteBucket formats the UTC minute bucket used in counter keys.
// Exported so cache invalidation can address the live buckets.
func MinuteBucket(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%d-%d-%d-%d-%d", t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute())
}

// MinuteCounterKey builds the full Redis key for a developer's counter
// in the given minute.
func MinuteCounterKey(developerID string, t time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s", developerID, MinuteBucket(t))
}
