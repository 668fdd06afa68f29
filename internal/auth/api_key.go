package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"agri_gateway/internal/models"
	"agri_gateway/internal/storage"
	"agri_gateway/internal/utils"
)

const (
	// KeyScheme is the fixed prefix every issued credential carries.
	// Anything else fails fast without touching the store.
	KeyScheme = "agri_live_"

	// cachePrefixLen is how much of the raw credential keys the cache.
	// Long enough to avoid collisions across issued keys, short enough
	// that the secret itself is never a cache key.
	cachePrefixLen = 15
)

// CredentialStore resolves a key hash against the durable store.
type CredentialStore interface {
	LookupByHash(ctx context.Context, keyHash string) (*models.KeyValidation, error)
}

// ValidationCache holds short-lived validation projections.
type ValidationCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Validator turns a raw bearer credential into a validated identity.
type Validator struct {
	store  CredentialStore
	cache  ValidationCache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewValidator(store CredentialStore, cache ValidationCache, ttl time.Duration, logger zerolog.Logger) *Validator {
	return &Validator{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

var invalid = &models.KeyValidation{Valid: false}

// Validate resolves a raw credential. An unknown or revoked key is a
// valid:false result, not an error; errors mean the store itself was
// unreachable. Only positive validations are cached, with a bounded TTL
// so revocations take effect within minutes. Failed lookups re-query
// the store every time; negative caching is a possible tuning, not part
// of the contract.
func (v *Validator) Validate(ctx context.Context, rawKey string) (*models.KeyValidation, error) {
	if !strings.HasPrefix(rawKey, KeyScheme) {
		return invalid, nil
	}

	cacheKey := "key:" + CachePrefix(rawKey)

	var cached models.KeyValidation
	if ok, err := v.cache.Get(ctx, cacheKey, &cached); err != nil {
		v.logger.Warn().Err(err).Msg("validation cache read failed, falling through to store")
	} else if ok {
		return &cached, nil
	}

	validation, err := v.store.LookupByHash(ctx, utils.HashString(rawKey))
	if errors.Is(err, storage.ErrAPIKeyNotFound) {
		return invalid, nil
	}
	if err != nil {
		return nil, err
	}

	if err := v.cache.Set(ctx, cacheKey, validation, v.ttl); err != nil {
		v.logger.Warn().Err(err).Msg("validation cache write failed")
	}

	return validation, nil
}

// CachePrefix derives the cache-key prefix from a raw credential.
func CachePrefix(rawKey string) string {
	if len(rawKey) <= cachePrefixLen {
		return rawKey
	}
	return rawKey[:cachePrefixLen]
}
