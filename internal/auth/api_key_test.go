package auth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agri_gateway/internal/models"
	"agri_gateway/internal/storage"
	"agri_gateway/internal/utils"
)

type fakeStore struct {
	byHash  map[string]*models.KeyValidation
	err     error
	lookups int
}

func (s *fakeStore) LookupByHash(ctx context.Context, keyHash string) (*models.KeyValidation, error) {
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	validation, ok := s.byHash[keyHash]
	if !ok {
		return nil, storage.ErrAPIKeyNotFound
	}
	return validation, nil
}

type fakeCache struct {
	entries map[string][]byte
	sets    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (c *fakeCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *fakeCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = raw
	c.sets++
	return nil
}

func validKey() (string, *models.KeyValidation) {
	rawKey := KeyScheme + "abcdef1234567890abcdef1234567890"
	validation := &models.KeyValidation{
		Valid: true,
		Developer: &models.Developer{
			ID:    uuid.New(),
			Email: "dev@example.com",
		},
		Subscription: &models.Subscription{
			Tier:                models.TierDeveloper,
			MonthlyRequestLimit: 50000,
		},
		KeyID: uuid.NewString(),
	}
	return rawKey, validation
}

func TestValidator_Validate(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	t.Run("rejects malformed scheme without touching the store", func(t *testing.T) {
		store := &fakeStore{}
		validator := NewValidator(store, newFakeCache(), time.Minute, logger)

		for _, rawKey := range []string{"", "sk-something", "agri_test_abc", "AGRI_LIVE_abc"} {
			validation, err := validator.Validate(ctx, rawKey)
			require.NoError(t, err)
			assert.False(t, validation.Valid)
		}
		assert.Zero(t, store.lookups)
	})

	t.Run("resolves a valid key and caches it", func(t *testing.T) {
		rawKey, want := validKey()
		store := &fakeStore{byHash: map[string]*models.KeyValidation{
			utils.HashString(rawKey): want,
		}}
		cache := newFakeCache()
		validator := NewValidator(store, cache, time.Minute, logger)

		validation, err := validator.Validate(ctx, rawKey)
		require.NoError(t, err)
		assert.True(t, validation.Valid)
		assert.Equal(t, want.KeyID, validation.KeyID)
		assert.Equal(t, 1, cache.sets)
		assert.Contains(t, cache.entries, "key:"+CachePrefix(rawKey))

		// Second call is served from cache.
		validation, err = validator.Validate(ctx, rawKey)
		require.NoError(t, err)
		assert.True(t, validation.Valid)
		assert.Equal(t, 1, store.lookups)
	})

	t.Run("unknown key is invalid and not cached", func(t *testing.T) {
		store := &fakeStore{byHash: map[string]*models.KeyValidation{}}
		cache := newFakeCache()
		validator := NewValidator(store, cache, time.Minute, logger)

		rawKey := KeyScheme + "doesnotexist1234567890"

		validation, err := validator.Validate(ctx, rawKey)
		require.NoError(t, err)
		assert.False(t, validation.Valid)
		assert.Zero(t, cache.sets)

		// Every attempt re-queries the store.
		_, err = validator.Validate(ctx, rawKey)
		require.NoError(t, err)
		assert.Equal(t, 2, store.lookups)
	})

	t.Run("store failure surfaces as an error", func(t *testing.T) {
		store := &fakeStore{err: errors.New("connection refused")}
		validator := NewValidator(store, newFakeCache(), time.Minute, logger)

		_, err := validator.Validate(ctx, KeyScheme+"abcdef1234567890")
		assert.Error(t, err)
	})
}

func TestCachePrefix(t *testing.T) {
	assert.Equal(t, "agri_live_abcde", CachePrefix("agri_live_abcdef1234567890"))
	assert.Equal(t, "short", CachePrefix("short"))
}
