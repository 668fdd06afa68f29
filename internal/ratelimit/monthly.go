package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agri_gateway/internal/utils"
)

// Counters outlive the billing month so late decrements and audits can
// still see them; two full cycles is plenty.
const monthlyCounterTTL = 62 * 24 * time.Hour

// MonthResult reports a monthly-quota decision.
type MonthResult struct {
	Allowed bool
	Count   int
	ResetAt time.Time
}

// MonthlyCounter is the durable per-developer quota counter. Each
// developer maps to one Redis key per billing month, and every mutation
// runs as a Lua script, so concurrent check-and-increment calls for the
// same developer serialize: two requests can never both take the last
// unit of quota. The month boundary is implicit in the key, so a new
// billing cycle starts at zero without any reset job.
type MonthlyCounter struct {
	client *redis.Client
	clock  utils.Clock
}

func NewMonthlyCounter(client *redis.Client, clock utils.Clock) *MonthlyCounter {
	return &MonthlyCounter{client: client, clock: clock}
}

var monthlyIncrScript = redis.NewScript(`
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

// Clamped at zero so a stray double-decrement cannot grant quota.
var monthlyDecrScript = redis.NewScript(`
	local key = KEYS[1]

	local count = tonumber(redis.call('GET', key)) or 0
	if count <= 0 then
		return 0
	end

	return redis.call('DECR', key)
`)

// CheckAndIncrement atomically consumes one unit of monthly quota.
func (c *MonthlyCounter) CheckAndIncrement(ctx context.Context, developerID string, limit int) (MonthResult, error) {
	now := c.clock.Now().UTC()
	key := c.key(developerID, now)

	res, err := monthlyIncrScript.Run(ctx, c.client, []string{key},
		limit, int(monthlyCounterTTL.Seconds())).Int64Slice()
	if err != nil {
		return MonthResult{}, fmt.Errorf("monthly quota check failed: %w", err)
	}
	if len(res) != 2 {
		return MonthResult{}, fmt.Errorf("monthly quota script returned %d values", len(res))
	}

	return MonthResult{
		Allowed: res[0] == 1,
		Count:   int(res[1]),
		ResetAt: nextMonthStart(now),
	}, nil
}

// Decrement is the compensating action for a request that consumed
// quota but failed before reaching the upstream.
func (c *MonthlyCounter) Decrement(ctx context.Context, developerID string) error {
	now := c.clock.Now().UTC()
	key := c.key(developerID, now)

	if err := monthlyDecrScript.Run(ctx, c.client, []string{key}).Err(); err != nil {
		return fmt.Errorf("monthly quota decrement failed: %w", err)
	}

	return nil
}

// Current returns the developer's consumed quota for the current month.
func (c *MonthlyCounter) Current(ctx context.Context, developerID string) (int, error) {
	now := c.clock.Now().UTC()

	val, err := c.client.Get(ctx, c.key(developerID, now)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("monthly quota read failed: %w", err)
	}

	return val, nil
}

func (c *MonthlyCounter) key(developerID string, t time.Time) string {
	return fmt.Sprintf("monthly:%s:%s", developerID, t.Format("2006-01"))
}

func nextMonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
