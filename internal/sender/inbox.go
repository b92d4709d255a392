package sender

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/pkg/errors"
	"github.com/pawpal/comms-api/pkg/messaging"
)

const inboxTopic = "inbox"

// inboxSender publishes in-app inbox entries to the broker; the inbox
// frontend consumes them from there.
type inboxSender struct {
	broker messaging.Broker
}

func NewInboxSender(broker messaging.Broker) Sender {
	return &inboxSender{broker: broker}
}

func (s *inboxSender) Channel() model.Channel {
	return model.ChannelInbox
}

type inboxEntry struct {
	ID        uuid.UUID `json:"id"`
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CTAText   string    `json:"cta_text,omitempty"`
	CTAURL    string    `json:"cta_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *inboxSender) Send(ctx context.Context, msg *model.Message, payload *model.MessagePayload) (*Outcome, error) {
	entry := inboxEntry{
		ID:        uuid.New(),
		MessageID: msg.ID,
		UserID:    msg.UserID,
		Title:     payload.Subject,
		Body:      payload.Body,
		CTAText:   payload.CTAText,
		CTAURL:    payload.CTAURL,
		CreatedAt: time.Now(),
	}

	if err := s.broker.Publish(ctx, inboxTopic, entry); err != nil {
		return nil, errors.ProviderError("inbox publish failed", err)
	}
	return &Outcome{ProviderMessageID: entry.ID.String()}, nil
}
