// Package sender holds the channel sender adapters. The core hands a
// message to exactly one adapter per attempt and never sees provider wire
// detail beyond the adapter's outcome.
package sender

import (
	"context"
	"fmt"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/pkg/errors"
)

// Outcome reports a provider handoff. ProviderMessageID correlates later
// delivery callbacks with the message.
type Outcome struct {
	ProviderMessageID string
}

// Sender is the uniform contract every channel adapter implements.
// Transient provider failures must be returned as PROVIDER_ERROR or
// RATE_LIMITED AppErrors so the dispatch worker can retry them.
type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, msg *model.Message, payload *model.MessagePayload) (*Outcome, error)
}

// Registry resolves the adapter for a channel.
type Registry struct {
	senders map[model.Channel]Sender
}

func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[model.Channel]Sender, len(senders))}
	for _, s := range senders {
		r.senders[s.Channel()] = s
	}
	return r
}

// For returns the adapter for ch. A message routed to a channel with no
// adapter configured is a permanent failure, not a retryable one.
func (r *Registry) For(ch model.Channel) (Sender, error) {
	if !ch.Valid() {
		return nil, errors.DeliveryFailed(fmt.Sprintf("unknown channel %q", ch), nil)
	}
	s, ok := r.senders[ch]
	if !ok {
		return nil, errors.ChannelDisabled(fmt.Sprintf("no sender configured for channel %s", ch))
	}
	return s, nil
}
