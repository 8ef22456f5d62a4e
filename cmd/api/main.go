package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mail-analysis-service/internal/admission"
	"mail-analysis-service/internal/analysis"
	"mail-analysis-service/internal/api"
	"mail-analysis-service/internal/blobstore"
	"mail-analysis-service/internal/config"
	"mail-analysis-service/internal/keystore"
	"mail-analysis-service/internal/logging"
	"mail-analysis-service/internal/ratelimit"
	"mail-analysis-service/internal/registry"
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

	keys := keystore.New(rdb)
	reg := registry.New(rdb, cfg)
	window := ratelimit.NewSlidingWindow(rdb, time.Minute)
	ctrl := admission.New(cfg, keys, window, reg, blobs, logger)
	costs := analysis.NewCostTracker(rdb, cfg.MonthlyCostLimit)

	server := api.New(cfg, ctrl, reg, costs, rdb, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
