package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mail-analysis-service/internal/analysis"
	"mail-analysis-service/internal/archive"
	"mail-analysis-service/internal/blobstore"
	"mail-analysis-service/internal/config"
	"mail-analysis-service/internal/extract"
	"mail-analysis-service/internal/keystore"
	"mail-analysis-service/internal/logging"
	"mail-analysis-service/internal/registry"
	"mail-analysis-service/internal/retention"
	"mail-analysis-service/internal/telemetry"
	"mail-analysis-service/internal/webhook"
	"mail-analysis-service/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	var blobs blobstore.Store
	if cfg.BlobBucket != "" {
		s3Store, err := blobstore.NewS3(ctx, cfg)
		if err != nil {
			logger.Fatal("init blob store", zap.Error(err))
		}
		blobs = s3Store
	}

	var archiver retention.Archiver
	if cfg.ArchiveEnabled {
		store, err := archive.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			logger.Fatal("archive schema", zap.Error(err))
		}
		archiver = store
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	reg := registry.New(rdb, cfg)
	keys := keystore.New(rdb)
	dispatcher := extract.NewDispatcher(cfg, blobs, logger)
	analyzer := analysis.New(cfg, rdb, logger)
	notifier := webhook.New(rdb, cfg.WebhookAttempts, cfg.WebhookTimeout, cfg.BackoffCap, logger)
	processor := worker.New(cfg, reg, dispatcher, analyzer, notifier, keys, workerID, logger)

	sweeper := retention.New(reg, archiver, blobs, cfg.SweepInterval, cfg.ResultTTL, logger)
	go sweeper.Run(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Duration("lease_timeout", cfg.LeaseTimeout),
		zap.Int("max_retries", cfg.MaxRetries))
	if err := processor.Run(ctx); err != nil {
		logger.Info("worker stopped", zap.Error(err))
	}
}
