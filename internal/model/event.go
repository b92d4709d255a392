package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the core and consumed by journeys and analytics.
// Provider delivery callbacks map onto the message.* engagement events so
// webhook confirmations and user actions flow through one pipeline.
const (
	EventMessageQueued    = "message.queued"
	EventMessageSent      = "message.sent"
	EventMessageDelivered = "message.delivered"
	EventMessageFailed    = "message.failed"
	EventMessageRead      = "message.read"
	EventMessageClicked   = "message.clicked"
	EventJourneyEnrolled  = "journey.enrolled"
	EventJourneyCompleted = "journey.completed"
	EventJourneyExited    = "journey.exited"
	EventJourneyPaused    = "journey.paused"
)

type PublishStatus string

const (
	PublishStatusPending    PublishStatus = "pending"
	PublishStatusProcessed  PublishStatus = "processed"
	PublishStatusFailed     PublishStatus = "failed"
	PublishStatusDeadLetter PublishStatus = "dead_letter"
)

// CommunicationEvent is an append-only fact. It doubles as the outbox row
// for broker publication: PublishStatus/RetryAt/ErrorMessage track emission,
// never the fact itself.
type CommunicationEvent struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	EventType     string          `json:"event_type" db:"event_type"`
	UserID        uuid.UUID       `json:"user_id" db:"user_id"`
	MessageID     *uuid.UUID      `json:"message_id,omitempty" db:"message_id"`
	JourneyID     *uuid.UUID      `json:"journey_id,omitempty" db:"journey_id"`
	Payload       json.RawMessage `json:"payload,omitempty" db:"payload"`
	OccurredAt    time.Time       `json:"occurred_at" db:"occurred_at"`
	RecordedAt    time.Time       `json:"recorded_at" db:"recorded_at"`
	PublishStatus PublishStatus   `json:"publish_status" db:"publish_status"`
	ErrorMessage  *string         `json:"error_message,omitempty" db:"error_message"`
	RetryCount    int             `json:"retry_count" db:"retry_count"`
	RetryAt       *time.Time      `json:"retry_at,omitempty" db:"retry_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

// ProviderCallback is the inbound webhook body posted by channel providers.
type ProviderCallback struct {
	EventType string          `json:"event_type" binding:"required,oneof=message.delivered message.failed message.read message.clicked"`
	MessageID uuid.UUID       `json:"message_id" binding:"required"`
	Timestamp time.Time       `json:"timestamp"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}
