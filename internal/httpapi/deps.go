package httpapi

import (
	"context"

	"github.com/rs/zerolog"

	"agri_gateway/internal/config"
	"agri_gateway/internal/models"
	"agri_gateway/internal/providers"
	"agri_gateway/internal/ratelimit"
	"agri_gateway/internal/tokens"
	"agri_gateway/internal/utils"
)

// The HTTP layer consumes each service through a narrow interface so
// handlers can be tested against fakes without a database or Redis.

// KeyValidator resolves a raw API key to a validated identity.
type KeyValidator interface {
	Validate(ctx context.Context, rawKey string) (*models.KeyValidation, error)
}

// AuthThrottle bounds repeated failed authentication attempts.
type AuthThrottle interface {
	Allowed(ctx context.Context, throttleKey string) (bool, error)
	RecordFailure(ctx context.Context, throttleKey string) error
}

// MinuteGate enforces the per-minute allowance.
type MinuteGate interface {
	Allow(ctx context.Context, developerID string, limit int) (ratelimit.MinuteResult, error)
}

// MonthlyGate enforces the monthly quota with compensation support.
type MonthlyGate interface {
	CheckAndIncrement(ctx context.Context, developerID string, limit int) (ratelimit.MonthResult, error)
	Decrement(ctx context.Context, developerID string) error
}

// ConnectionLister reports which providers a farmer has connected.
type ConnectionLister interface {
	ListActiveProviders(ctx context.Context, developerID, farmerID string) ([]string, error)
}

// UsageRecorder accepts one usage fact per completed dispatch.
type UsageRecorder interface {
	Enqueue(ctx context.Context, record *models.UsageRecord) error
}

// Dispatcher routes a request to the provider's upstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, p providers.Provider, req providers.ForwardRequest) (*providers.ForwardResponse, error)
}

// TokenAdmin is the token lifecycle surface of the internal endpoints.
type TokenAdmin interface {
	StoreConnection(ctx context.Context, p tokens.StoreParams) error
	Sweep(ctx context.Context) (*tokens.SweepResult, error)
}

// PrefixLister lists a developer's key prefixes for cache invalidation.
type PrefixLister interface {
	ListKeyPrefixes(ctx context.Context, developerID string) ([]string, error)
}

// CacheStore is the invalidation surface of the shared cache.
type CacheStore interface {
	Delete(ctx context.Context, keys ...string) error
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Keys        KeyValidator
	Throttle    AuthThrottle
	Minute      MinuteGate
	Monthly     MonthlyGate
	Connections ConnectionLister
	Usage       UsageRecorder
	Dispatcher  Dispatcher
	Tokens      TokenAdmin
	Prefixes    PrefixLister
	Cache       CacheStore
	Clock       utils.Clock
	Config      *config.Config
	Logger      zerolog.Logger
}
