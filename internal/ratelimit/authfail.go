package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"agri_gateway/internal/utils"
)

// The throttle keys on a fixed-length prefix of whatever credential was
// presented, valid or not, so guessing attempts against one key shape
// are slowed without needing a valid identity to count against.
const authFailPrefixLen = 14

// AuthFailureLimiter slows credential guessing. It is consulted before
// authentication is attempted and incremented on every failure.
type AuthFailureLimiter struct {
	client *redis.Client
	clock  utils.Clock
	limit  int
}

func NewAuthFailureLimiter(client *redis.Client, clock utils.Clock, limit int) *AuthFailureLimiter {
	if limit <= 0 {
		limit = 10
	}
	return &AuthFailureLimiter{client: client, clock: clock, limit: limit}
}

// ThrottleKey derives the throttle bucket for a presented credential.
func ThrottleKey(rawCredential string) string {
	if rawCredential == "" {
		return "unknown"
	}
	if len(rawCredential) <= authFailPrefixLen {
		return rawCredential
	}
	return rawCredential[:authFailPrefixLen]
}

// Allowed reports whether this credential prefix is still under the
// failed-attempt threshold for the current minute.
func (l *AuthFailureLimiter) Allowed(ctx context.Context, throttleKey string) (bool, error) {
	count, err := l.client.Get(ctx, l.key(throttleKey)).Int()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("auth throttle check failed: %w", err)
	}

	return count < l.limit, nil
}

// RecordFailure counts one failed authentication against the prefix.
func (l *AuthFailureLimiter) RecordFailure(ctx context.Context, throttleKey string) error {
	key := l.key(throttleKey)

	pipe := l.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, minuteCounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("auth throttle increment failed: %w", err)
	}

	return nil
}

func (l *AuthFailureLimiter) key(throttleKey string) string {
	return fmt.Sprintf("authfail:%s:%s", throttleKey, MinuteBucket(l.clock.Now()))
}
