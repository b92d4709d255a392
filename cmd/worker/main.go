package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/pawpal/comms-api/config"
	"github.com/pawpal/comms-api/internal/repository/postgres"
	redisrepo "github.com/pawpal/comms-api/internal/repository/redis"
	"github.com/pawpal/comms-api/internal/sender"
	eventService "github.com/pawpal/comms-api/internal/service/event"
	journeyService "github.com/pawpal/comms-api/internal/service/journey"
	messageService "github.com/pawpal/comms-api/internal/service/message"
	policyService "github.com/pawpal/comms-api/internal/service/policy"
	preferencesService "github.com/pawpal/comms-api/internal/service/preferences"
	templateService "github.com/pawpal/comms-api/internal/service/template"
	archiveWorker "github.com/pawpal/comms-api/internal/worker"
	"github.com/pawpal/comms-api/pkg/logger"
	redisbroker "github.com/pawpal/comms-api/pkg/messaging/redis"
	"github.com/pawpal/comms-api/pkg/metrics"
	"github.com/pawpal/comms-api/pkg/worker"
)

const healthPort = 8081

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(nil)

	db, err := postgres.NewDB(postgres.DBConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Name:     cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	brokerLogger := log.With().Str("component", "redis-broker").Logger()
	broker, err := redisbroker.NewRedisBroker(redisbroker.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, &brokerLogger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer broker.Close()

	base := postgres.NewBaseRepository(db)
	messageRepo := postgres.NewMessageRepository(base)
	templateRepo := postgres.NewTemplateRepository(base)
	journeyRepo := postgres.NewJourneyRepository(base)
	enrollmentRepo := postgres.NewEnrollmentRepository(base)
	preferencesRepo := postgres.NewPreferencesRepository(base)
	eventRepo := postgres.NewEventRepository(base)
	counterStore := redisrepo.NewCounterStore(broker.Client())

	templateSvc := templateService.NewService(templateRepo)
	policySvc := policyService.NewService(preferencesRepo, counterStore)
	preferencesSvc := preferencesService.NewService(preferencesRepo, policySvc)
	eventSvc := eventService.NewService(eventRepo, messageRepo, preferencesSvc, log.Logger)
	messageSvc := messageService.NewService(messageRepo, preferencesRepo, templateSvc, policySvc, eventSvc, cfg.Dispatch.MaxRetries, log.Logger)
	journeySvc := journeyService.NewService(journeyRepo, enrollmentRepo, eventRepo, messageSvc, preferencesSvc, eventSvc, cfg.Dispatch.Backoff, log.Logger)
	eventSvc.AttachJourneyHook(journeySvc)

	senders := sender.NewRegistry(
		sender.NewEmailSender(sender.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}),
		sender.NewPushSender(gatewayConfig(cfg)),
		sender.NewSMSSender(gatewayConfig(cfg)),
		sender.NewWhatsAppSender(gatewayConfig(cfg)),
		sender.NewInboxSender(broker),
	)

	m := metrics.New("comms_worker")

	dispatchProcessor := worker.NewDispatchProcessor(
		messageRepo, counterStore, policySvc, templateSvc, messageSvc, senders, eventSvc,
		worker.DispatchProcessorConfig{
			BatchSize:    cfg.Dispatch.BatchSize,
			PollInterval: cfg.Dispatch.PollInterval,
			Backoff:      cfg.Dispatch.Backoff,
		}, appLogger, m)

	journeyProcessor := worker.NewJourneyProcessor(
		enrollmentRepo, journeySvc,
		worker.JourneyProcessorConfig{
			BatchSize:    cfg.Journey.BatchSize,
			PollInterval: cfg.Journey.PollInterval,
		}, appLogger, m)

	outboxProcessor := worker.NewOutboxProcessor(
		eventRepo, broker,
		worker.OutboxProcessorConfig{
			BatchSize:    cfg.Outbox.BatchSize,
			PollInterval: cfg.Outbox.PollInterval,
			MaxRetries:   cfg.Outbox.MaxRetries,
			RetryDelay:   cfg.Outbox.RetryDelay,
		}, appLogger, m)

	archiver := archiveWorker.NewArchiveWorker(
		messageRepo, eventRepo, cfg.Archive.RetentionDays, cfg.Archive.Interval, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, start := range []func(context.Context){
		dispatchProcessor.Start,
		journeyProcessor.Start,
		outboxProcessor.Start,
		archiver.Start,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(start)
	}

	// Health and metrics on a side port so the orchestrator can probe the
	// worker without an API surface.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	healthSrv := &http.Server{Addr: fmt.Sprintf(":%d", healthPort), Handler: mux}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()

	log.Info().Msg("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down worker...")

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("worker exited properly")
}

func gatewayConfig(cfg *config.Config) sender.GatewayConfig {
	return sender.GatewayConfig{
		BaseURL: cfg.Gateway.BaseURL,
		APIKey:  cfg.Gateway.APIKey,
		Timeout: cfg.Gateway.Timeout,
	}
}
