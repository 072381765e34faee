// Package main implements the ocrflow HTTP API server. It accepts extraction
// job submissions (single and batch), answers status queries, and runs the
// scheduled retention purge for terminal jobs.
//
// Usage:
//
//	go run cmd/server/main.go
//
// Configuration comes from ocrflow.yaml or OCRFLOW_* environment variables;
// see pkg/config.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eakdogan/ocrflow/pkg/api"
	"github.com/eakdogan/ocrflow/pkg/config"
	"github.com/eakdogan/ocrflow/pkg/logger"
	"github.com/eakdogan/ocrflow/pkg/queue"
	"github.com/eakdogan/ocrflow/pkg/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Config load failed")
	}

	rdb, err := state.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Redis init failed")
	}
	store := queue.NewStore(rdb)

	if cfg.App.APIKey == "" {
		logger.Log.Warn().Msg("API key not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API authentication enabled.")
	}

	// Nightly purge of terminal jobs past the retention window.
	c := cron.New()
	retention := cfg.Queue.Retention
	c.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := store.PurgeOlderThan(ctx, retention); err != nil {
			logger.Log.Error().Err(err).Msg("Retention purge failed")
		}
	})
	c.Start()
	defer c.Stop()

	server := api.NewServer(store, cfg.App.APIKey, cfg.Queue.BatchCap)
	httpServer := &http.Server{
		Addr:    ":" + cfg.App.Port,
		Handler: server.Router(),
	}

	go func() {
		logger.Log.Info().Str("addr", httpServer.Addr).Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Log.Info().Msg("Shutting down API server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("Shutdown failed")
	}
}
