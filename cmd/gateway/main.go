package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agri_gateway/internal/config"
	"agri_gateway/internal/httpapi"
	"agri_gateway/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.NewLogger("info", false)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogPretty)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	router, app, err := httpapi.NewRouter(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build router")
	}

	// Optional in-process token sweeper. Deployments with an external
	// scheduler call /internal/refresh-tokens instead.
	if cfg.Tokens.SweepInterval > 0 {
		go app.TokenManager.RunSweeper(rootCtx, cfg.Tokens.SweepInterval)
	}

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// Stop the sweeper and the worker's dequeue loop before draining.
	rootCancel()

	if err := app.UsageWorker.Stop(); err != nil {
		logger.Error().Err(err).Msg("failed to stop usage worker")
	}

	if err := app.Sink.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to flush archival sink")
	}

	if err := app.Redis.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close redis client")
	}
	if err := app.DB.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close database")
	}

	logger.Info().Msg("gateway exited")
}
