package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
	"github.com/pawpal/comms-api/internal/service/journey"
	"github.com/pawpal/comms-api/pkg/logger"
	"github.com/pawpal/comms-api/pkg/metrics"
)

type JourneyProcessorConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

// JourneyProcessor advances due enrollments. Each tick claims a batch
// with SKIP LOCKED so multiple workers drain the queue without stepping
// on each other; the version CAS inside the engine catches the rest.
type JourneyProcessor struct {
	enrollments repository.EnrollmentRepository
	engine      *journey.Service
	config      JourneyProcessorConfig
	logger      *logger.Logger
	metrics     *metrics.Metrics
}

func NewJourneyProcessor(
	enrollments repository.EnrollmentRepository,
	engine *journey.Service,
	config JourneyProcessorConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *JourneyProcessor {
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}

	return &JourneyProcessor{
		enrollments: enrollments,
		engine:      engine,
		config:      config,
		logger:      logger,
		metrics:     metrics,
	}
}

func (p *JourneyProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("Starting journey processor")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Shutting down journey processor")
			return
		case <-ticker.C:
			if err := p.processBatch(ctx); err != nil {
				p.logger.Error(err, "Failed to process journey batch")
			}
		}
	}
}

func (p *JourneyProcessor) processBatch(ctx context.Context) error {
	timer := prometheus.NewTimer(p.metrics.JourneyTickLatency)
	defer timer.ObserveDuration()

	// Inactivity and date-offset triggers are clock-driven; sweep them
	// before draining the due queue so fresh enrollments with zero-delay
	// first steps execute on this same tick.
	if err := p.engine.EvaluateTriggers(ctx, p.config.BatchSize); err != nil {
		p.logger.Error(err, "Failed to evaluate journey triggers")
	}

	due, err := p.enrollments.Due(ctx, time.Now(), p.config.BatchSize)
	if err != nil {
		p.metrics.DatabaseOperations.WithLabelValues("claim_due_enrollments", "error").Inc()
		return fmt.Errorf("failed to claim due enrollments: %w", err)
	}
	p.metrics.DatabaseOperations.WithLabelValues("claim_due_enrollments", "success").Inc()
	p.metrics.EnrollmentsActive.Set(float64(len(due)))

	for _, enrollment := range due {
		if err := p.engine.ExecuteDueStep(ctx, enrollment); err != nil {
			p.logger.Error(err, "Failed to execute journey step",
				"enrollment_id", enrollment.ID.String(),
				"journey_id", enrollment.JourneyID.String(),
				"step_id", enrollment.CurrentStepID)
			continue
		}
		result := "advanced"
		switch enrollment.Status {
		case model.EnrollmentStatusCompleted, model.EnrollmentStatusExited, model.EnrollmentStatusPaused:
			result = string(enrollment.Status)
			p.metrics.EnrollmentsExited.WithLabelValues(result).Inc()
		}
		p.metrics.StepsExecuted.WithLabelValues(result).Inc()
	}
	return nil
}
