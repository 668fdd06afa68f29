package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"agri_gateway/internal/auth"
	"agri_gateway/internal/config"
	"agri_gateway/internal/logging"
	"agri_gateway/internal/middleware"
	"agri_gateway/internal/providers"
	"agri_gateway/internal/queue"
	"agri_gateway/internal/ratelimit"
	"agri_gateway/internal/storage"
	"agri_gateway/internal/tokens"
	"agri_gateway/internal/utils"
)

// App holds everything with a lifecycle so main can shut the pieces
// down in order: HTTP server first, then the usage worker, then the
// archival sink, then the stores.
type App struct {
	Deps         *Dependencies
	DB           *storage.DB
	Redis        *redis.Client
	UsageWorker  *storage.UsageQueueWorker
	Sink         logging.Sink
	TokenManager *tokens.Manager
}

// NewRouter builds the full dependency graph from configuration and
// returns the wired router plus the lifecycle handles.
func NewRouter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (chi.Router, *App, error) {
	db, err := storage.NewDB(storage.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	redisClient, err := storage.NewRedisClient(storage.RedisConfig{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	clock := utils.NewRealClock()
	cache := storage.NewRedisCache(redisClient)

	apiKeyRepo := storage.NewAPIKeyRepository(db)
	connectionRepo := storage.NewConnectionRepository(db)
	usageRepo := storage.NewUsageRepository(db)

	crypto, err := tokens.NewCryptoFromBase64(cfg.Tokens.EncryptionKey)
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, nil, fmt.Errorf("failed to initialize token encryption: %w", err)
	}

	tokenManager := tokens.NewManager(connectionRepo, cache, crypto, tokens.Config{
		ClientID:       cfg.Tokens.ClientID,
		ClientSecret:   cfg.Tokens.ClientSecret,
		TokenURL:       cfg.Tokens.TokenURL,
		RefreshTimeout: cfg.Tokens.RefreshTimeout,
		RefreshBuffer:  cfg.Tokens.RefreshBuffer,
		SweepBuffer:    cfg.Tokens.SweepBuffer,
		CacheTTL:       cfg.Tokens.CacheTTL,
	}, clock, logger)

	dispatcher := providers.NewDispatcher()
	dispatcher.Register(providers.JohnDeere, providers.NewJohnDeereForwarder(providers.JohnDeereConfig{
		UpstreamURL:   cfg.Gateway.JohnDeereMCPURL,
		GatewaySecret: cfg.Gateway.GatewaySecret,
		Timeout:       cfg.Gateway.UpstreamTimeout,
	}, tokenManager, logger))

	// Archival sink is optional; without S3 the records still land in
	// Postgres through the usage worker.
	var sink logging.Sink = logging.NewNoopSink()
	if cfg.Archive.Enabled {
		writer, err := logging.NewS3Writer(ctx, cfg.Archive.S3Bucket, cfg.Archive.S3Region, cfg.Archive.S3Prefix, cfg.Archive.PodName, logger)
		if err != nil {
			db.Close()
			redisClient.Close()
			return nil, nil, fmt.Errorf("failed to initialize archive writer: %w", err)
		}
		sink = logging.NewBufferedSink(writer, logging.BufferedSinkConfig{
			BufferSize:    cfg.Archive.BufferSize,
			FlushSize:     cfg.Archive.FlushSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}, logger)
	}

	queueCfg := queue.DefaultConfig("usage")
	queueCfg.BatchSize = cfg.Usage.BatchSize
	queueCfg.BatchTimeout = cfg.Usage.BatchTimeout
	queueCfg.MaxRetries = cfg.Usage.MaxRetries
	queueCfg.RetryBackoff = cfg.Usage.RetryBackoff

	var usageQueue queue.Queue
	var usageDLQ queue.DeadLetterQueue
	if cfg.Usage.UseRedisQueue {
		usageQueue = queue.NewRedisQueue(redisClient, queueCfg)
		usageDLQ = queue.NewRedisDeadLetterQueue(redisClient, queueCfg)
	} else {
		usageQueue = queue.NewMemoryQueue(queueCfg)
		usageDLQ = queue.NewMemoryDeadLetterQueue()
	}

	usageWorker := storage.NewUsageQueueWorker(usageQueue, usageDLQ, usageRepo, sink, queueCfg, logger)
	usageWorker.Start(ctx)

	deps := &Dependencies{
		Keys:        auth.NewValidator(apiKeyRepo, cache, cfg.Auth.ValidationCacheTTL, logger),
		Throttle:    ratelimit.NewAuthFailureLimiter(redisClient, clock, cfg.Auth.AuthFailureLimit),
		Minute:      ratelimit.NewMinuteLimiter(redisClient, clock),
		Monthly:     ratelimit.NewMonthlyCounter(redisClient, clock),
		Connections: connectionRepo,
		Usage:       usageWorker,
		Dispatcher:  dispatcher,
		Tokens:      tokenManager,
		Prefixes:    apiKeyRepo,
		Cache:       cache,
		Clock:       clock,
		Config:      cfg,
		Logger:      logger,
	}

	app := &App{
		Deps:         deps,
		DB:           db,
		Redis:        redisClient,
		UsageWorker:  usageWorker,
		Sink:         sink,
		TokenManager: tokenManager,
	}

	return newRouter(deps, cfg), app, nil
}

func newRouter(deps *Dependencies, cfg *config.Config) chi.Router {
	r := chi.NewRouter()

	r.Get("/health", deps.handleHealth)

	r.Post("/v1/mcp", deps.handleGateway)
	r.Post("/v1/{provider}", deps.handleGateway)

	internalSecret := middleware.InternalSecret(cfg.Gateway.InternalSecret)
	serviceToken := middleware.ServiceToken(auth.NewServiceTokenVerifier([]byte(cfg.Gateway.ServiceTokenSecret)))

	r.Route("/internal", func(r chi.Router) {
		r.With(internalSecret).Post("/cache/invalidate", deps.handleCacheInvalidate)
		r.With(internalSecret).Post("/tokens", deps.handleStoreTokens)
		r.With(serviceToken).Post("/refresh-tokens", deps.handleRefreshTokens)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondWithError(w, http.StatusNotFound, "not found")
	})

	return r
}
