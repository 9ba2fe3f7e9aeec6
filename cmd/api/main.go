package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"cvchapchap/internal/api"
	"cvchapchap/internal/auth"
	"cvchapchap/internal/config"
	"cvchapchap/internal/cv"
	"cvchapchap/internal/database"
	"cvchapchap/internal/draftstore"
	"cvchapchap/internal/metrics"
	"cvchapchap/internal/payment"
	"cvchapchap/internal/pdf"
	"cvchapchap/internal/preview"
	"cvchapchap/internal/request"
	"cvchapchap/internal/retry"
	"cvchapchap/internal/screener"
	"cvchapchap/internal/storage"
)

const (
	draftIdleTimeout = 2 * time.Hour
	draftSweepEvery  = 10 * time.Minute
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	logger.Info("api bootstrapped",
		slog.String("db_host", cfg.Database.Host),
		slog.Int("db_port", cfg.Database.Port),
		slog.String("db_name", cfg.Database.Name),
	)

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	logger.Info("database migrated")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		// Redis 不可用时草稿与请求缓存降级，服务继续运行。
		logger.Warn("redis unreachable at startup", slog.Any("error", err))
	}

	storageClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("init storage client: %v", err)
	}
	logger.Info("storage client ready", slog.String("bucket", cfg.MinIO.Bucket))

	kv := draftstore.NewRedisKV(redisClient)
	drafts := draftstore.NewManager(kv, draftstore.NewMinIOBlob(storageClient), draftstore.Options{
		InlineThreshold: cfg.Drafts.InlineThresholdBytes,
		TTL:             cfg.Drafts.TTL,
		Logger:          logger,
	})
	forms := cv.NewRegistry(drafts, logger)
	go sweepDrafts(forms, logger)

	renderer := preview.NewRenderer(database.NewTemplateStore(db), storageClient, logger)

	tracker := retry.NewTracker()
	policy := retryPolicy(cfg.Retry)
	remote := screener.NewClient(screener.Options{
		BaseURL: cfg.Screener.BaseURL,
		APIKey:  cfg.Screener.APIKey,
		Timeout: cfg.Screener.Timeout,
		Policy:  policy,
		Tracker: tracker,
	})

	chain := request.NewChain(remote, renderer, pdf.NewRodRenderer(logger), logger)
	chain.OnStage = func(stage request.Source, err error) {
		metrics.ObservePDFStage(string(stage), err)
	}

	merchant := payment.Merchant{
		Name:     cfg.Payment.MerchantName,
		Number:   cfg.Payment.MerchantNumber,
		Amount:   cfg.Payment.Amount,
		Currency: cfg.Payment.Currency,
		Channels: cfg.Payment.Channels,
	}
	validator, err := payment.NewValidator(merchant)
	if err != nil {
		log.Fatalf("init payment validator: %v", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr()})
	defer asynqClient.Close()

	service := request.NewService(request.Options{
		DB:        db,
		Cache:     kv,
		Remote:    remote,
		Validator: validator,
		Merchant:  merchant,
		USSDCode:  cfg.Payment.USSDCode,
		Enqueuer:  asynqClient,
		Chain:     chain,
		Objects:   storageClient,
		Notifier:  request.NewRedisNotifier(redisClient),
		Logger:    logger,
	})

	var authService *auth.AuthService
	if cfg.Auth.PrivateKeyPEM != "" && cfg.Auth.PublicKeyPEM != "" {
		authService, err = auth.NewAuthService([]byte(cfg.Auth.PrivateKeyPEM), []byte(cfg.Auth.PublicKeyPEM), cfg.Auth.AccessTokenTTL)
		if err != nil {
			log.Fatalf("init auth service: %v", err)
		}
	} else {
		logger.Warn("jwt keys not configured, admin endpoints disabled")
	}

	var scanner api.Scanner
	if cfg.Clamd.Addr != "" {
		scanner = api.ClamdScanner{Addr: cfg.Clamd.Addr}
	}

	router := api.NewRouter(api.Deps{
		Config:   cfg,
		DB:       db,
		Redis:    redisClient,
		Logger:   logger,
		Auth:     authService,
		Forms:    forms,
		Drafts:   drafts,
		Renderer: renderer,
		Chain:    chain,
		Requests: service,
		Enqueuer: asynqClient,
		Storage:  storageClient,
		Scanner:  scanner,
		Tracker:  tracker,
		OpenAI: api.OpenAIOptions{
			BaseURL:        cfg.OpenAI.BaseURL,
			APIKey:         cfg.OpenAI.APIKey,
			Model:          cfg.OpenAI.Model,
			Timeout:        cfg.OpenAI.Timeout,
			RequestsPerMin: cfg.OpenAI.RequestsPerMin,
			Policy:         policy,
			Tracker:        tracker,
		},
	})

	address := fmt.Sprintf(":%d", cfg.API.Port)
	logger.Info("api listening", slog.String("address", address))
	if err := router.Run(address); err != nil {
		log.Fatalf("failed to start api server: %v", err)
	}
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialInterval = cfg.InitialInterval
	p.Multiplier = cfg.Multiplier
	p.MaxInterval = cfg.MaxInterval
	p.MaxRetries = cfg.MaxRetries
	p.OnRetry = metrics.ObserveRetry
	return p
}

// sweepDrafts 释放长时间未访问的内存表单，草稿仍保留在存储中。
func sweepDrafts(forms *cv.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(draftSweepEvery)
	defer ticker.Stop()
	for range ticker.C {
		if n := forms.Sweep(draftIdleTimeout); n > 0 {
			logger.Info("idle drafts released", slog.Int("count", n), slog.Int("open", forms.Len()))
		}
	}
}
