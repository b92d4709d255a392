package event

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
	"github.com/pawpal/comms-api/internal/service/preferences"
	apperrors "github.com/pawpal/comms-api/pkg/errors"
)

// JourneyHook receives recorded events for exit and trigger handling. It
// is attached after construction to break the journey/event cycle.
type JourneyHook interface {
	HandleEvent(ctx context.Context, event *model.CommunicationEvent) error
}

type Service struct {
	events   repository.EventRepository
	messages repository.MessageRepository
	prefs    *preferences.Service
	journeys JourneyHook
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(
	events repository.EventRepository,
	messages repository.MessageRepository,
	prefs *preferences.Service,
	logger zerolog.Logger,
) *Service {
	return &Service{
		events:   events,
		messages: messages,
		prefs:    prefs,
		logger:   logger.With().Str("service", "event").Logger(),
		now:      time.Now,
	}
}

func (s *Service) AttachJourneyHook(hook JourneyHook) {
	s.journeys = hook
}

// Record appends the event and fans it out: engagement events move the
// message through its status lattice and feed the channel performance
// counters, then journeys get a chance to exit or trigger. The append is
// the source of truth; fan-out failures are logged, never lost facts.
func (s *Service) Record(ctx context.Context, event *model.CommunicationEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	event.RecordedAt = s.now()
	event.PublishStatus = model.PublishStatusPending

	if err := s.events.Append(ctx, event); err != nil {
		return fmt.Errorf("failed to append event %s: %w", event.EventType, err)
	}

	s.applyToMessage(ctx, event)

	if s.journeys != nil {
		if err := s.journeys.HandleEvent(ctx, event); err != nil {
			s.logger.Error().Err(err).Str("event_type", event.EventType).Msg("journey fan-out failed")
		}
	}
	return nil
}

// RecordCallback maps an inbound provider webhook onto an engagement
// event for the referenced message.
func (s *Service) RecordCallback(ctx context.Context, callback *model.ProviderCallback, provider string) error {
	msg, err := s.messages.Get(ctx, callback.MessageID)
	if err == repository.ErrNotFound {
		return apperrors.NotFound("message", err)
	}
	if err != nil {
		return err
	}

	occurredAt := callback.Timestamp
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	return s.Record(ctx, &model.CommunicationEvent{
		EventType:  callback.EventType,
		UserID:     msg.UserID,
		MessageID:  &callback.MessageID,
		Payload:    callback.Detail,
		OccurredAt: occurredAt,
	})
}

// statusFor maps engagement event types onto the target lattice status.
var statusFor = map[string]model.MessageStatus{
	model.EventMessageDelivered: model.MessageStatusDelivered,
	model.EventMessageFailed:    model.MessageStatusFailed,
	model.EventMessageRead:      model.MessageStatusRead,
	model.EventMessageClicked:   model.MessageStatusClicked,
}

func (s *Service) applyToMessage(ctx context.Context, event *model.CommunicationEvent) {
	if event.MessageID == nil {
		return
	}
	// The dispatcher performs the pending→sent transition itself; the
	// sent event only feeds the engagement denominator here.
	if event.EventType == model.EventMessageSent {
		if msg, err := s.messages.Get(ctx, *event.MessageID); err == nil {
			if err := s.prefs.RecordEngagement(ctx, event.UserID, msg.Channel, event.EventType); err != nil {
				s.logger.Error().Err(err).Str("message_id", msg.ID.String()).Msg("failed to record engagement")
			}
		}
		return
	}

	target, ok := statusFor[event.EventType]
	if !ok {
		return
	}

	msg, err := s.messages.Get(ctx, *event.MessageID)
	if err != nil {
		s.logger.Error().Err(err).Str("message_id", event.MessageID.String()).Msg("failed to load message for transition")
		return
	}

	// Out-of-order callbacks are normal (a click webhook can beat the
	// delivery webhook). A lower-or-equal rank target is dropped; a legal
	// skip ahead is walked through the intermediate states.
	if target.Rank() <= msg.Status.Rank() {
		return
	}
	for _, step := range latticePath(msg.Status, target) {
		moved, err := s.messages.Transition(ctx, msg.ID, msg.Status, step, event.OccurredAt)
		if err != nil {
			s.logger.Error().Err(err).Str("message_id", msg.ID.String()).Msg("message transition failed")
			return
		}
		if !moved {
			// Another writer moved the message first.
			return
		}
		msg.Status = step
	}

	if err := s.prefs.RecordEngagement(ctx, event.UserID, msg.Channel, event.EventType); err != nil {
		s.logger.Error().Err(err).Str("message_id", msg.ID.String()).Msg("failed to record engagement")
	}
}

// latticePath expands a jump to target into the legal per-step moves,
// e.g. sent→clicked becomes sent→delivered→clicked.
func latticePath(from, target model.MessageStatus) []model.MessageStatus {
	if from.CanTransition(target) {
		return []model.MessageStatus{target}
	}
	switch {
	case from == model.MessageStatusSent:
		return []model.MessageStatus{model.MessageStatusDelivered, target}
	case from == model.MessageStatusPending && target == model.MessageStatusDelivered:
		return []model.MessageStatus{model.MessageStatusSent, target}
	case from == model.MessageStatusPending:
		return []model.MessageStatus{model.MessageStatusSent, model.MessageStatusDelivered, target}
	}
	return nil
}
