package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
	"github.com/pawpal/comms-api/pkg/logger"
	"github.com/pawpal/comms-api/pkg/messaging"
	"github.com/pawpal/comms-api/pkg/metrics"
)

type OutboxProcessorConfig struct {
	BatchSize    int
	PollInterval time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// OutboxProcessor publishes recorded communication events to the broker.
// The event row is the outbox: publication state lives next to the fact
// so a crash between append and publish loses nothing.
type OutboxProcessor struct {
	repo    repository.EventRepository
	broker  messaging.Broker
	config  OutboxProcessorConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewOutboxProcessor(
	repo repository.EventRepository,
	broker messaging.Broker,
	config OutboxProcessorConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *OutboxProcessor {
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if config.MaxRetries <= 0 {
		panic("MaxRetries must be greater than 0")
	}
	if config.RetryDelay <= 0 {
		panic("RetryDelay must be greater than 0")
	}

	return &OutboxProcessor{
		repo:    repo,
		broker:  broker,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

func (p *OutboxProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("Starting outbox processor")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Shutting down outbox processor")
			return
		case <-ticker.C:
			if err := p.processEvents(ctx); err != nil {
				p.logger.Error(err, "Failed to process events")
			}
		}
	}
}

func (p *OutboxProcessor) processEvents(ctx context.Context) error {
	timer := prometheus.NewTimer(p.metrics.OutboxProcessingLatency)
	defer timer.ObserveDuration()

	events, err := p.repo.GetPendingWithLock(ctx, p.config.BatchSize)
	if err != nil {
		p.metrics.DatabaseOperations.WithLabelValues("get_pending_events", "error").Inc()
		return fmt.Errorf("failed to get pending events: %w", err)
	}
	p.metrics.DatabaseOperations.WithLabelValues("get_pending_events", "success").Inc()

	for _, event := range events {
		if err := p.processEvent(ctx, event); err != nil {
			p.logger.Error(err, "Failed to publish event",
				"event_id", event.ID.String(),
				"event_type", event.EventType)
		}
	}

	return nil
}

func (p *OutboxProcessor) processEvent(ctx context.Context, event *model.CommunicationEvent) error {
	err := p.broker.Publish(ctx, event.EventType, event)
	if err == nil {
		p.metrics.OutboxEventsProcessed.Inc()
		return p.repo.UpdatePublishStatus(ctx, event.ID, model.PublishStatusProcessed, nil, nil)
	}

	p.metrics.OutboxEventsFailed.Inc()
	errStr := err.Error()

	if event.RetryCount+1 >= p.config.MaxRetries {
		event.ErrorMessage = &errStr
		if dlErr := p.repo.MoveToDeadLetter(ctx, event); dlErr != nil {
			p.logger.Error(dlErr, "Failed to dead-letter event", "event_id", event.ID.String())
			return dlErr
		}
		p.logger.Error(err, "Event moved to dead letter",
			"event_id", event.ID.String(),
			"event_type", event.EventType,
			"retries", event.RetryCount+1)
		return nil
	}

	retryAt := time.Now().Add(p.config.RetryDelay * time.Duration(event.RetryCount+1))
	if updateErr := p.repo.UpdatePublishStatus(ctx, event.ID, model.PublishStatusFailed, &errStr, &retryAt); updateErr != nil {
		p.logger.Error(updateErr, "Failed to update event status", "event_id", event.ID.String())
	}
	return err
}
