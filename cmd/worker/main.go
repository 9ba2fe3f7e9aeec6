package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"cvchapchap/internal/config"
	"cvchapchap/internal/database"
	"cvchapchap/internal/draftstore"
	"cvchapchap/internal/metrics"
	"cvchapchap/internal/pdf"
	"cvchapchap/internal/preview"
	"cvchapchap/internal/request"
	"cvchapchap/internal/retry"
	"cvchapchap/internal/screener"
	"cvchapchap/internal/storage"
	"cvchapchap/internal/tasks"
	"cvchapchap/internal/worker"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	log.Println("database connection ready for worker")

	storageClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("init storage client: %v", err)
	}
	log.Printf("storage client ready, bucket=%s", cfg.MinIO.Bucket)

	redisAddr := cfg.Redis.Addr()
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	policy := retry.DefaultPolicy()
	policy.InitialInterval = cfg.Retry.InitialInterval
	policy.Multiplier = cfg.Retry.Multiplier
	policy.MaxInterval = cfg.Retry.MaxInterval
	policy.MaxRetries = cfg.Retry.MaxRetries
	policy.OnRetry = metrics.ObserveRetry

	remote := screener.NewClient(screener.Options{
		BaseURL: cfg.Screener.BaseURL,
		APIKey:  cfg.Screener.APIKey,
		Timeout: cfg.Screener.Timeout,
		Policy:  policy,
		Tracker: retry.NewTracker(),
	})
	renderer := preview.NewRenderer(database.NewTemplateStore(db), storageClient, logger)
	browser := pdf.NewRodRenderer(logger)

	chain := request.NewChain(remote, renderer, browser, logger)
	chain.OnStage = func(stage request.Source, err error) {
		metrics.ObservePDFStage(string(stage), err)
	}

	service := request.NewService(request.Options{
		DB:       db,
		Cache:    draftstore.NewRedisKV(redisClient),
		Remote:   remote,
		Chain:    chain,
		Objects:  storageClient,
		Notifier: request.NewRedisNotifier(redisClient),
		Logger:   logger,
	})

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	server := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: concurrency,
	})

	mux := asynq.NewServeMux()
	mux.Use(metrics.AsynqMetricsMiddleware())
	mux.Handle(tasks.TypeCVGeneratePDF, worker.NewCVTaskHandler(service, logger))
	mux.Handle(tasks.TypeTemplatePreview, worker.NewTemplatePreviewHandler(db, renderer, browser, storageClient, logger))

	logger.Info("worker service started", slog.String("redis_addr", redisAddr), slog.Int("concurrency", concurrency))
	if err := server.Run(mux); err != nil {
		logger.Error("worker server stopped", slog.Any("error", err))
	}
}
