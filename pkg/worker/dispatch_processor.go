package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
	"github.com/pawpal/comms-api/internal/sender"
	"github.com/pawpal/comms-api/internal/service/message"
	"github.com/pawpal/comms-api/internal/service/policy"
	"github.com/pawpal/comms-api/internal/service/template"
	apperrors "github.com/pawpal/comms-api/pkg/errors"
	"github.com/pawpal/comms-api/pkg/logger"
	"github.com/pawpal/comms-api/pkg/metrics"
)

type DispatchProcessorConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// Backoff is the retry schedule; attempt n waits Backoff[n-1], the
	// last entry repeating for any further attempts.
	Backoff []time.Duration
}

// DispatchProcessor drains the pending message queue. Policy is
// re-checked at send time so a consent revoked or a quiet-hours window
// entered after enqueue still holds.
type DispatchProcessor struct {
	messages repository.MessageRepository
	counters repository.CounterStore
	policy   *policy.Service
	template *template.Service
	msgSvc   *message.Service
	senders  *sender.Registry
	recorder message.Recorder
	config   DispatchProcessorConfig
	logger   *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewDispatchProcessor(
	messages repository.MessageRepository,
	counters repository.CounterStore,
	policySvc *policy.Service,
	templateSvc *template.Service,
	msgSvc *message.Service,
	senders *sender.Registry,
	recorder message.Recorder,
	config DispatchProcessorConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *DispatchProcessor {
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if len(config.Backoff) == 0 {
		config.Backoff = []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}
	}

	return &DispatchProcessor{
		messages: messages,
		counters: counters,
		policy:   policySvc,
		template: templateSvc,
		msgSvc:   msgSvc,
		senders:  senders,
		recorder: recorder,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

func (p *DispatchProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("Starting dispatch processor")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Shutting down dispatch processor")
			return
		case <-ticker.C:
			if err := p.processBatch(ctx); err != nil {
				p.logger.Error(err, "Failed to process dispatch batch")
			}
		}
	}
}

func (p *DispatchProcessor) processBatch(ctx context.Context) error {
	timer := prometheus.NewTimer(p.metrics.DispatchLatency)
	defer timer.ObserveDuration()

	due, err := p.messages.ClaimDue(ctx, p.now(), p.config.BatchSize)
	if err != nil {
		p.metrics.DatabaseOperations.WithLabelValues("claim_due_messages", "error").Inc()
		return fmt.Errorf("failed to claim due messages: %w", err)
	}
	p.metrics.DatabaseOperations.WithLabelValues("claim_due_messages", "success").Inc()

	for _, msg := range due {
		if err := p.dispatch(ctx, msg); err != nil {
			p.logger.Error(err, "Dispatch failed",
				"message_id", msg.ID.String(),
				"channel", string(msg.Channel))
		}
	}
	return nil
}

func (p *DispatchProcessor) dispatch(ctx context.Context, msg *model.Message) error {
	tmpl, err := p.template.GetPublished(ctx, msg.TemplateID)
	if err != nil {
		return p.fail(ctx, msg, err)
	}

	skip, err := p.policy.CheckChannel(ctx, msg.UserID, msg.Channel, tmpl.ConsentPurpose(), msg.Priority)
	if err != nil {
		return err
	}
	if skip != nil {
		switch skip.Code {
		case apperrors.CodeQuietHours, apperrors.CodeFrequencyLimit:
			return p.reschedule(ctx, msg, *skip.ResumeAt, string(skip.Code))
		default:
			// Consent revoked after enqueue. The message dies rather than
			// leaking onto a channel the user just turned off.
			return p.fail(ctx, msg, apperrors.New(skip.Code, fmt.Sprintf("consent for %s revoked before send", msg.Channel), nil))
		}
	}

	s, err := p.senders.For(msg.Channel)
	if err != nil {
		return p.exhaust(ctx, msg, err)
	}
	payload, err := msg.DecodedPayload()
	if err != nil {
		return p.fail(ctx, msg, apperrors.Internal(err))
	}

	outcome, err := s.Send(ctx, msg, payload)
	if err == nil {
		return p.markSent(ctx, msg, outcome)
	}

	if apperrors.IsRetryable(err) && msg.RetryCount < msg.MaxRetries {
		return p.retry(ctx, msg, err)
	}
	return p.exhaust(ctx, msg, err)
}

func (p *DispatchProcessor) markSent(ctx context.Context, msg *model.Message, outcome *sender.Outcome) error {
	now := p.now()
	moved, err := p.messages.Transition(ctx, msg.ID, model.MessageStatusPending, model.MessageStatusSent, now)
	if err != nil {
		return fmt.Errorf("failed to mark message sent: %w", err)
	}
	if !moved {
		return nil
	}

	// Counters move only on an actual send; skipped and failed messages
	// never consume the user's frequency budget.
	if err := p.counters.IncrSent(ctx, msg.UserID, msg.Channel, now); err != nil {
		p.logger.Error(err, "Failed to increment frequency counter", "message_id", msg.ID.String())
	}
	p.metrics.MessagesSent.WithLabelValues(string(msg.Channel)).Inc()

	detail := map[string]any{"channel": msg.Channel}
	if outcome != nil && outcome.ProviderMessageID != "" {
		detail["provider_message_id"] = outcome.ProviderMessageID
	}
	p.record(ctx, msg, model.EventMessageSent, detail, now)
	return nil
}

func (p *DispatchProcessor) retry(ctx context.Context, msg *model.Message, cause error) error {
	delay := p.config.Backoff[min(msg.RetryCount, len(p.config.Backoff)-1)]
	// A provider's explicit Retry-After beats the configured schedule.
	if suggested, ok := apperrors.RetryAfterOf(cause); ok && suggested > 0 {
		delay = suggested
	}

	msg.RetryCount++
	errStr := cause.Error()
	msg.LastError = &errStr
	msg.ScheduledAt = p.now().Add(delay)
	if err := p.messages.Update(ctx, msg); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	p.metrics.DispatchRetries.WithLabelValues(string(msg.Channel)).Inc()
	p.logger.Warn("Delivery attempt failed, retrying",
		"message_id", msg.ID.String(),
		"channel", string(msg.Channel),
		"attempt", msg.RetryCount,
		"retry_in", delay.String())
	return nil
}

// exhaust handles a message whose channel is spent: one switch to the
// fallback channel if the message still has one, otherwise failure.
func (p *DispatchProcessor) exhaust(ctx context.Context, msg *model.Message, cause error) error {
	if msg.FallbackChannel == nil {
		return p.fail(ctx, msg, cause)
	}
	fallback := *msg.FallbackChannel

	tmpl, err := p.template.GetPublished(ctx, msg.TemplateID)
	if err != nil {
		return p.fail(ctx, msg, cause)
	}
	skip, err := p.policy.CheckChannel(ctx, msg.UserID, fallback, tmpl.ConsentPurpose(), msg.Priority)
	if err != nil {
		return err
	}
	if skip != nil && skip.ResumeAt == nil {
		return p.fail(ctx, msg, cause)
	}

	recipient, err := p.msgSvc.Recipient(ctx, msg.UserID, fallback)
	if err != nil {
		return p.fail(ctx, msg, cause)
	}
	old, err := msg.DecodedPayload()
	if err != nil {
		return p.fail(ctx, msg, apperrors.Internal(err))
	}
	payload, variantID, err := p.template.Render(tmpl, fallback, msg.ID, old.Variables)
	if err != nil {
		return p.fail(ctx, msg, err)
	}
	raw, err := payload.Value()
	if err != nil {
		return p.fail(ctx, msg, apperrors.Internal(err))
	}

	msg.Channel = fallback
	msg.FallbackChannel = nil
	msg.VariantID = variantID
	msg.Recipient = recipient
	msg.Payload = raw
	msg.RetryCount = 0
	errStr := cause.Error()
	msg.LastError = &errStr
	msg.ScheduledAt = p.now()
	if skip != nil && skip.ResumeAt != nil {
		msg.ScheduledAt = *skip.ResumeAt
	}
	if err := p.messages.Update(ctx, msg); err != nil {
		return fmt.Errorf("failed to redispatch on fallback: %w", err)
	}

	p.metrics.FallbackAttempts.Inc()
	p.logger.Warn("Redispatching on fallback channel",
		"message_id", msg.ID.String(),
		"channel", string(fallback))
	return nil
}

func (p *DispatchProcessor) reschedule(ctx context.Context, msg *model.Message, at time.Time, reason string) error {
	if err := p.messages.Reschedule(ctx, msg.ID, at); err != nil {
		return fmt.Errorf("failed to reschedule message: %w", err)
	}
	p.metrics.MessagesRescheduled.WithLabelValues(reason).Inc()
	p.logger.Debug("Message rescheduled",
		"message_id", msg.ID.String(),
		"reason", reason,
		"at", at.Format(time.RFC3339))
	return nil
}

func (p *DispatchProcessor) fail(ctx context.Context, msg *model.Message, cause error) error {
	now := p.now()
	moved, err := p.messages.Transition(ctx, msg.ID, model.MessageStatusPending, model.MessageStatusFailed, now)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	if !moved {
		return nil
	}
	errStr := cause.Error()
	msg.Status = model.MessageStatusFailed
	msg.LastError = &errStr
	if err := p.messages.Update(ctx, msg); err != nil {
		p.logger.Error(err, "Failed to store failure cause", "message_id", msg.ID.String())
	}

	code := apperrors.CodeOf(cause)
	p.metrics.MessagesFailed.WithLabelValues(string(msg.Channel), string(code)).Inc()
	p.record(ctx, msg, model.EventMessageFailed, map[string]any{
		"channel": msg.Channel,
		"code":    code,
		"error":   errStr,
	}, now)
	return nil
}

func (p *DispatchProcessor) record(ctx context.Context, msg *model.Message, eventType string, detail map[string]any, at time.Time) {
	payload, _ := json.Marshal(detail)
	event := &model.CommunicationEvent{
		EventType:  eventType,
		UserID:     msg.UserID,
		MessageID:  &msg.ID,
		JourneyID:  msg.JourneyID,
		Payload:    payload,
		OccurredAt: at,
	}
	if err := p.recorder.Record(ctx, event); err != nil {
		p.logger.Error(err, "Failed to record dispatch event",
			"message_id", msg.ID.String(),
			"event_type", eventType)
	}
}
