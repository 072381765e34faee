// Package main implements the ocrflow worker process. The worker continuously
// claims extraction jobs from Redis, runs the two-stage pipeline against the
// document, and reports outcomes back to the queue and the record store.
//
// Features:
//   - Sequential job processing with graceful shutdown
//   - Prometheus metrics on the metrics port at /metrics
//   - Duplicate suppression via the Postgres record store
//   - Retry routing up to each job's configured maximum
//
// Usage:
//
//	go run cmd/worker/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eakdogan/ocrflow/pkg/config"
	"github.com/eakdogan/ocrflow/pkg/logger"
	"github.com/eakdogan/ocrflow/pkg/ocr"
	"github.com/eakdogan/ocrflow/pkg/queue"
	"github.com/eakdogan/ocrflow/pkg/records"
	"github.com/eakdogan/ocrflow/pkg/state"
	"github.com/eakdogan/ocrflow/pkg/worker"
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

	var recs records.Store
	if cfg.Postgres.DSN != "" {
		gs, err := records.Open(cfg.Postgres.DSN)
		if err != nil {
			logger.Log.Fatal().Err(err).Msg("Postgres init failed")
		}
		recs = gs
	} else {
		logger.Log.Warn().Msg("No Postgres DSN configured, duplicate suppression disabled")
	}

	pipeline := ocr.NewPipeline(
		&ocr.PopplerRasterizer{Bin: cfg.OCR.PdftoppmPath},
		&ocr.TesseractRecognizer{Bin: cfg.OCR.TesseractPath},
		nil,
		ocr.Config{
			Languages:    cfg.OCR.Languages,
			StageTimeout: cfg.OCR.StageTimeout,
		},
	)

	w := worker.New("", store, pipeline, recs, worker.Config{
		IdleBackoff:    cfg.Worker.IdleBackoff,
		MaxIdleBackoff: cfg.Worker.MaxIdleBackoff,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Prometheus metrics server
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("port", cfg.App.MetricsPort).Msg("Metrics server listening")
		http.ListenAndServe(":"+cfg.App.MetricsPort, nil)
	}()

	go worker.CollectQueueMetrics(ctx, store, 5*time.Second)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("Shutting down worker...")
		// Cooperative stop: the in-flight job finishes first.
		w.Stop()
	}()

	w.Run(ctx)
}
