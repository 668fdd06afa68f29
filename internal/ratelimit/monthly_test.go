package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonthlyCounter_CheckAndIncrement(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	t.Run("allows up to the quota", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		counter := NewMonthlyCounter(client, fixedClock(base))
		ctx := context.Background()

		for i := 1; i <= 3; i++ {
			res, err := counter.CheckAndIncrement(ctx, "dev-1", 3)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, i, res.Count)
		}

		res, err := counter.CheckAndIncrement(ctx, "dev-1", 3)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, 3, res.Count)
	})

	t.Run("reset boundary is the next month start", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		counter := NewMonthlyCounter(client, fixedClock(base))

		res, err := counter.CheckAndIncrement(context.Background(), "dev-2", 10)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), res.ResetAt)
	})

	t.Run("new month starts at zero", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		clock := fixedClock(base)
		counter := NewMonthlyCounter(client, clock)
		ctx := context.Background()

		res, err := counter.CheckAndIncrement(ctx, "dev-3", 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)

		res, err = counter.CheckAndIncrement(ctx, "dev-3", 1)
		require.NoError(t, err)
		assert.False(t, res.Allowed)

		clock.Instant = time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC)
		res, err = counter.CheckAndIncrement(ctx, "dev-3", 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 1, res.Count)
	})

	t.Run("concurrent requests never exceed the quota", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		counter := NewMonthlyCounter(client, fixedClock(base))
		ctx := context.Background()

		const quota = 10
		var allowed atomic.Int64
		var wg sync.WaitGroup

		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := counter.CheckAndIncrement(ctx, "dev-4", quota)
				if err == nil && res.Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(quota), allowed.Load())

		current, err := counter.Current(ctx, "dev-4")
		require.NoError(t, err)
		assert.Equal(t, quota, current)
	})
}

func TestMonthlyCounter_Decrement(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	t.Run("hands a unit back", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		counter := NewMonthlyCounter(client, fixedClock(base))
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			_, err := counter.CheckAndIncrement(ctx, "dev-5", 2)
			require.NoError(t, err)
		}

		res, err := counter.CheckAndIncrement(ctx, "dev-5", 2)
		require.NoError(t, err)
		assert.False(t, res.Allowed)

		require.NoError(t, counter.Decrement(ctx, "dev-5"))

		res, err = counter.CheckAndIncrement(ctx, "dev-5", 2)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("clamps at zero", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		counter := NewMonthlyCounter(client, fixedClock(base))
		ctx := context.Background()

		require.NoError(t, counter.Decrement(ctx, "dev-6"))
		require.NoError(t, counter.Decrement(ctx, "dev-6"))

		current, err := counter.Current(ctx, "dev-6")
		require.NoError(t, err)
		assert.Equal(t, 0, current)
	})

	t.Run("net zero after increment and refund", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		counter := NewMonthlyCounter(client, fixedClock(base))
		ctx := context.Background()

		_, err := counter.CheckAndIncrement(ctx, "dev-7", 100)
		require.NoError(t, err)
		require.NoError(t, counter.Decrement(ctx, "dev-7"))

		current, err := counter.Current(ctx, "dev-7")
		require.NoError(t, err)
		assert.Equal(t, 0, current)
	})
}
