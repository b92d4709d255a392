package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelPush     Channel = "push"
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelInbox    Channel = "inbox"
)

// AllChannels lists every supported delivery channel.
var AllChannels = []Channel{ChannelPush, ChannelEmail, ChannelWhatsApp, ChannelSMS, ChannelInbox}

func (c Channel) Valid() bool {
	switch c {
	case ChannelPush, ChannelEmail, ChannelWhatsApp, ChannelSMS, ChannelInbox:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusClicked   MessageStatus = "clicked"
)

// statusRank orders the delivery lattice pending→sent→delivered→read→clicked,
// with failed terminal from pending/sent. A message never moves to a lower
// rank; clicked sits above read so a click arriving after a read still lands.
var statusRank = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusFailed:    2,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
	MessageStatusClicked:   4,
}

// CanTransition reports whether moving from s to next is a legal lattice step.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	switch s {
	case MessageStatusPending:
		return next == MessageStatusSent || next == MessageStatusFailed
	case MessageStatusSent:
		return next == MessageStatusDelivered || next == MessageStatusFailed
	case MessageStatusDelivered:
		return next == MessageStatusRead || next == MessageStatusClicked
	case MessageStatusRead:
		return next == MessageStatusClicked
	}
	return false
}

func (s MessageStatus) Terminal() bool {
	return s == MessageStatusFailed || s == MessageStatusClicked
}

func (s MessageStatus) Rank() int {
	return statusRank[s]
}

// MessagePayload is the channel-agnostic content of a message. The channel
// discriminant on the owning Message selects which fields senders read.
type MessagePayload struct {
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body"`
	CTAText   string            `json:"cta_text,omitempty"`
	CTAURL    string            `json:"cta_url,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

func (p MessagePayload) Value() (json.RawMessage, error) {
	return json.Marshal(p)
}

type Message struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	UserID          uuid.UUID       `json:"user_id" db:"user_id"`
	DogID           *uuid.UUID      `json:"dog_id,omitempty" db:"dog_id"`
	TemplateID      uuid.UUID       `json:"template_id" db:"template_id"`
	VariantID       *string         `json:"variant_id,omitempty" db:"variant_id"`
	Channel         Channel         `json:"channel" db:"channel"`
	FallbackChannel *Channel        `json:"fallback_channel,omitempty" db:"fallback_channel"`
	Priority        Priority        `json:"priority" db:"priority"`
	Recipient       string          `json:"recipient" db:"recipient"`
	Payload         json.RawMessage `json:"payload" db:"payload"`
	JourneyID       *uuid.UUID      `json:"journey_id,omitempty" db:"journey_id"`
	StepID          *string         `json:"step_id,omitempty" db:"step_id"`
	Status          MessageStatus   `json:"status" db:"status"`
	RetryCount      int             `json:"retry_count" db:"retry_count"`
	MaxRetries      int             `json:"max_retries" db:"max_retries"`
	LastError       *string         `json:"last_error,omitempty" db:"last_error"`
	ScheduledAt     time.Time       `json:"scheduled_at" db:"scheduled_at"`
	SentAt          *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
	FailedAt        *time.Time      `json:"failed_at,omitempty" db:"failed_at"`
	ReadAt          *time.Time      `json:"read_at,omitempty" db:"read_at"`
	ClickedAt       *time.Time      `json:"clicked_at,omitempty" db:"clicked_at"`
	ArchivedAt      *time.Time      `json:"archived_at,omitempty" db:"archived_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// DecodedPayload unmarshals the stored payload.
func (m *Message) DecodedPayload() (*MessagePayload, error) {
	var p MessagePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type SendMessageRequest struct {
	UserID      uuid.UUID         `json:"user_id" binding:"required"`
	DogID       *uuid.UUID        `json:"dog_id,omitempty"`
	TemplateID  uuid.UUID         `json:"template_id" binding:"required"`
	Channel     *Channel          `json:"channel,omitempty" binding:"omitempty,channel"`
	Variables   map[string]string `json:"variables,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	Priority    Priority          `json:"priority" binding:"omitempty,oneof=low medium high critical"`
}

type SendMessageResponse struct {
	MessageID         uuid.UUID  `json:"message_id"`
	Status            string     `json:"status"`
	Channel           Channel    `json:"channel"`
	ScheduledAt       *time.Time `json:"scheduled_at,omitempty"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
}

const (
	SendStatusQueued = "queued"
	SendStatusSent   = "sent"
	SendStatusFailed = "failed"
)
