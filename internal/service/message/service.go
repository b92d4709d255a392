package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
	"github.com/pawpal/comms-api/internal/service/policy"
	"github.com/pawpal/comms-api/internal/service/template"
	apperrors "github.com/pawpal/comms-api/pkg/errors"
)

// Recorder appends a communication event to the append-only log.
type Recorder interface {
	Record(ctx context.Context, event *model.CommunicationEvent) error
}

type Service struct {
	messages   repository.MessageRepository
	prefs      repository.PreferencesRepository
	templates  *template.Service
	policy     *policy.Service
	recorder   Recorder
	maxRetries int
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(
	messages repository.MessageRepository,
	prefs repository.PreferencesRepository,
	templates *template.Service,
	policySvc *policy.Service,
	recorder Recorder,
	maxRetries int,
	logger zerolog.Logger,
) *Service {
	return &Service{
		messages:   messages,
		prefs:      prefs,
		templates:  templates,
		policy:     policySvc,
		recorder:   recorder,
		maxRetries: maxRetries,
		logger:     logger.With().Str("service", "message").Logger(),
		now:        time.Now,
	}
}

// SendMessage validates, resolves the channel, renders the payload and
// persists a pending message. The messages table is the durable queue;
// actual delivery happens on the dispatcher's tick.
func (s *Service) SendMessage(ctx context.Context, req *model.SendMessageRequest) (*model.SendMessageResponse, error) {
	if req.Channel != nil && !req.Channel.Valid() {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown channel %q", *req.Channel), nil)
	}
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}

	tmpl, err := s.templates.GetPublished(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	decision, err := s.policy.Resolve(ctx, req.UserID, tmpl, req.Channel, priority)
	if err != nil {
		return nil, err
	}

	msgID := uuid.New()
	payload, variantID, err := s.templates.Render(tmpl, decision.Channel, msgID, req.Variables)
	if err != nil {
		return nil, err
	}
	raw, err := payload.Value()
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	recipient, err := s.Recipient(ctx, req.UserID, decision.Channel)
	if err != nil {
		return nil, err
	}

	now := s.now()
	scheduledAt := now
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		scheduledAt = *req.ScheduledAt
	}
	if decision.Rescheduled() && decision.ResumeAt.After(scheduledAt) {
		scheduledAt = *decision.ResumeAt
	}

	msg := &model.Message{
		ID:          msgID,
		UserID:      req.UserID,
		DogID:       req.DogID,
		TemplateID:  tmpl.ID,
		VariantID:   variantID,
		Channel:     decision.Channel,
		Priority:    priority,
		Recipient:   recipient,
		Payload:     raw,
		Status:      model.MessageStatusPending,
		MaxRetries:  s.maxRetries,
		ScheduledAt: scheduledAt,
	}
	if len(decision.Fallbacks) > 0 {
		msg.FallbackChannel = &decision.Fallbacks[0]
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	s.recordQueued(ctx, msg, now)

	resp := &model.SendMessageResponse{
		MessageID: msg.ID,
		Status:    model.SendStatusQueued,
		Channel:   msg.Channel,
	}
	if scheduledAt.After(now) {
		resp.ScheduledAt = &scheduledAt
	} else {
		eta := now.Add(30 * time.Second)
		resp.EstimatedDelivery = &eta
	}
	return resp, nil
}

// SendJourneyMessage is SendMessage on behalf of a journey step: the
// resulting message carries the journey and step it came from.
func (s *Service) SendJourneyMessage(ctx context.Context, req *model.SendMessageRequest, journeyID uuid.UUID, stepID string) (*model.SendMessageResponse, error) {
	resp, err := s.SendMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	msg, getErr := s.messages.Get(ctx, resp.MessageID)
	if getErr != nil {
		return resp, nil
	}
	msg.JourneyID = &journeyID
	msg.StepID = &stepID
	if updErr := s.messages.Update(ctx, msg); updErr != nil {
		s.logger.Warn().Err(updErr).Str("message_id", msg.ID.String()).Msg("failed to tag journey message")
	}
	return resp, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	msg, err := s.messages.Get(ctx, id)
	if err == repository.ErrNotFound {
		return nil, apperrors.NotFound("message", err)
	}
	return msg, err
}

// Recipient resolves the delivery address for a user on a channel from
// the user's stored contact properties.
func (s *Service) Recipient(ctx context.Context, userID uuid.UUID, ch model.Channel) (string, error) {
	if ch == model.ChannelInbox {
		return userID.String(), nil
	}
	prefs, err := s.prefs.Get(ctx, userID)
	if err == repository.ErrNotFound {
		return "", apperrors.InvalidRecipient(fmt.Sprintf("no contact details on file for user %s", userID))
	}
	if err != nil {
		return "", fmt.Errorf("failed to load preferences for %s: %w", userID, err)
	}

	var key string
	switch ch {
	case model.ChannelEmail:
		key = "email"
	case model.ChannelSMS, model.ChannelWhatsApp:
		key = "phone"
	case model.ChannelPush:
		key = "push_token"
	default:
		return "", apperrors.InvalidRecipient(fmt.Sprintf("channel %s has no recipient mapping", ch))
	}
	recipient := prefs.Properties[key]
	if recipient == "" {
		return "", apperrors.InvalidRecipient(fmt.Sprintf("user %s has no %s on file", userID, key))
	}
	return recipient, nil
}

func (s *Service) recordQueued(ctx context.Context, msg *model.Message, now time.Time) {
	payload, _ := json.Marshal(map[string]any{
		"channel":     msg.Channel,
		"template_id": msg.TemplateID,
		"priority":    msg.Priority,
	})
	event := &model.CommunicationEvent{
		EventType:  model.EventMessageQueued,
		UserID:     msg.UserID,
		MessageID:  &msg.ID,
		Payload:    payload,
		OccurredAt: now,
	}
	if err := s.recorder.Record(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("message_id", msg.ID.String()).Msg("failed to record queued event")
	}
}
