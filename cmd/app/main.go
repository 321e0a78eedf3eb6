package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storybook-orchestrator/internal/config"
	"storybook-orchestrator/internal/domain/ports/adapter"
	"storybook-orchestrator/internal/infra/adapters/gcs"
	"storybook-orchestrator/internal/infra/adapters/notify"
	"storybook-orchestrator/internal/infra/adapters/replicate"
	"storybook-orchestrator/internal/infra/adapters/vision"
	"storybook-orchestrator/internal/infra/api"
	pg "storybook-orchestrator/internal/infra/db/postgres"
	"storybook-orchestrator/internal/infra/logging"
	"storybook-orchestrator/internal/infra/metrics"
	red "storybook-orchestrator/internal/infra/redis"
	"storybook-orchestrator/internal/infra/sched"
	"storybook-orchestrator/internal/infra/stream"
	"storybook-orchestrator/internal/infra/worker"
	"storybook-orchestrator/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, relaxed adapters)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Info().Msg("dev mode enabled")
	}
	metrics.MustRegister()

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()
	tm := pg.NewTxManager(pool)
	jobRepo := pg.NewJobRepo(pool)
	runRepo := pg.NewAutomationRunRepo(pool)

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer redisClient.Close()
	locker := red.NewLocker(redisClient)

	// ---- Provider ----
	provider, err := replicate.NewClient(cfg.Provider.Token, cfg.Provider.BaseURL, cfg.Provider.RequestTimeout)
	if err != nil {
		log.Fatalf("provider: %v", err)
	}

	// ---- Object storage ----
	store, err := gcs.NewStore(ctx, cfg.Storage.Bucket, cfg.Storage.PublicBaseURL)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()

	// ---- Vision evaluator (OpenAI -> Gemini fallback) ----
	var chain []adapter.ImageEvaluator
	if cfg.Vision.OpenAIKey != "" {
		ev, err := vision.NewOpenAIEvaluator(cfg.Vision.OpenAIKey, cfg.Vision.OpenAIModel, cfg.Vision.MinScore)
		if err != nil {
			log.Fatalf("openai evaluator: %v", err)
		}
		chain = append(chain, ev)
	}
	if cfg.Vision.GeminiKey != "" {
		ev, err := vision.NewGeminiEvaluator(ctx, cfg.Vision.GeminiKey, cfg.Vision.GeminiModel, cfg.Vision.MinScore)
		if err != nil {
			log.Fatalf("gemini evaluator: %v", err)
		}
		chain = append(chain, ev)
	}
	var evaluator adapter.ImageEvaluator
	switch {
	case len(chain) > 1:
		evaluator = vision.NewMultiEvaluator(logger, chain...)
	case len(chain) == 1:
		evaluator = chain[0]
	default:
		logger.Warn().Msg("no vision provider configured; accepting all images")
		evaluator = vision.NewNoopEvaluator()
	}

	// ---- Notifier ----
	var notifier adapter.Notifier
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != 0 {
		notifier, err = notify.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			log.Fatalf("telegram notifier: %v", err)
		}
	} else {
		notifier = notify.NewNoop()
	}

	// ---- Broadcast + workers + polling ----
	bus := stream.NewBroadcaster(logger)
	jobPool := worker.NewPool(cfg.Worker.PoolSize, logger)
	jobPool.Start(ctx)
	defer jobPool.Stop()

	scheduler := sched.NewPollScheduler(provider, jobRepo, jobPool, sched.NewRealClock(),
		cfg.Provider.PollInterval, cfg.Provider.PollMaxInterval, logger)

	// ---- Use cases ----
	dispatcher := usecase.NewDispatcher(jobRepo, provider, scheduler, bus, usecase.DispatcherConfig{
		WebhookBaseURL: cfg.Provider.WebhookBaseURL,
		WebhookToken:   cfg.Provider.WebhookToken,
		MaxAttempts:    cfg.Provider.MaxAttempts,
		DefaultVersion: cfg.Provider.DefaultVersion,
		TrainerVersion: cfg.Provider.TrainerVersion,
		TrainDest:      cfg.Provider.TrainDest,
		PollInterval:   cfg.Provider.PollInterval,
	}, logger)

	reconciler := usecase.NewReconciler(jobRepo, tm, dispatcher, scheduler, locker, bus,
		provider, store, evaluator, cfg.Provider.MaxAttempts, cfg.Redis.LockTTL, logger)
	scheduler.SetReconciler(reconciler)

	jobUC := usecase.NewJobUseCase(jobRepo, dispatcher, logger)
	automationUC := usecase.NewAutomationUseCase(runRepo, jobRepo, dispatcher, evaluator, store, notifier, bus, logger)

	// ---- HTTP ----
	srv := api.NewServer(jobUC, automationUC, reconciler, bus,
		cfg.Server.AdminSecret, cfg.Server.JWTSecret, cfg.Provider.WebhookToken, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(),
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
}
