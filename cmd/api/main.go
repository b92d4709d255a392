package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/pawpal/comms-api/config"
	healthHandler "github.com/pawpal/comms-api/internal/handler/health"
	journeyHandler "github.com/pawpal/comms-api/internal/handler/journey"
	messageHandler "github.com/pawpal/comms-api/internal/handler/message"
	preferencesHandler "github.com/pawpal/comms-api/internal/handler/preferences"
	templateHandler "github.com/pawpal/comms-api/internal/handler/template"
	webhookHandler "github.com/pawpal/comms-api/internal/handler/webhook"
	"github.com/pawpal/comms-api/internal/middleware"
	"github.com/pawpal/comms-api/internal/repository/postgres"
	redisrepo "github.com/pawpal/comms-api/internal/repository/redis"
	"github.com/pawpal/comms-api/internal/router"
	eventService "github.com/pawpal/comms-api/internal/service/event"
	journeyService "github.com/pawpal/comms-api/internal/service/journey"
	messageService "github.com/pawpal/comms-api/internal/service/message"
	policyService "github.com/pawpal/comms-api/internal/service/policy"
	preferencesService "github.com/pawpal/comms-api/internal/service/preferences"
	templateService "github.com/pawpal/comms-api/internal/service/template"
	redisbroker "github.com/pawpal/comms-api/pkg/messaging/redis"
	"github.com/pawpal/comms-api/pkg/security"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

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

	// Repositories
	base := postgres.NewBaseRepository(db)
	messageRepo := postgres.NewMessageRepository(base)
	templateRepo := postgres.NewTemplateRepository(base)
	journeyRepo := postgres.NewJourneyRepository(base)
	enrollmentRepo := postgres.NewEnrollmentRepository(base)
	preferencesRepo := postgres.NewPreferencesRepository(base)
	eventRepo := postgres.NewEventRepository(base)
	counterStore := redisrepo.NewCounterStore(broker.Client())

	// Services
	templateSvc := templateService.NewService(templateRepo)
	policySvc := policyService.NewService(preferencesRepo, counterStore)
	preferencesSvc := preferencesService.NewService(preferencesRepo, policySvc)
	eventSvc := eventService.NewService(eventRepo, messageRepo, preferencesSvc, log.Logger)
	messageSvc := messageService.NewService(messageRepo, preferencesRepo, templateSvc, policySvc, eventSvc, cfg.Dispatch.MaxRetries, log.Logger)
	journeySvc := journeyService.NewService(journeyRepo, enrollmentRepo, eventRepo, messageSvc, preferencesSvc, eventSvc, cfg.Dispatch.Backoff, log.Logger)
	eventSvc.AttachJourneyHook(journeySvc)

	// Handlers
	webhookAuth := middleware.NewWebhookAuth(security.NewBcryptHasher(bcrypt.DefaultCost), cfg.Webhooks.TokenHashes)
	r := router.NewRouter(
		router.RouterConfig{
			RateLimit:     rate.Limit(cfg.RateLimit.RequestsPerSecond),
			RateBurst:     cfg.RateLimit.Burst,
			MetricsPrefix: "comms_api",
		},
		healthHandler.NewHandler(db),
		messageHandler.NewHandler(messageSvc),
		templateHandler.NewHandler(templateSvc),
		journeyHandler.NewHandler(journeySvc),
		preferencesHandler.NewHandler(preferencesSvc),
		webhookHandler.NewHandler(eventSvc, webhookAuth),
	)
	r.Setup()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Server.Port).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited properly")
}
