package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/pkg/errors"
)

// GatewayConfig points an adapter at a provider HTTP gateway. Credentials
// are opaque to the core.
type GatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// gatewaySender posts messages to a provider gateway. Push, SMS and
// WhatsApp all speak this shape; only the gateway endpoint differs.
type gatewaySender struct {
	channel model.Channel
	cfg     GatewayConfig
	client  *http.Client
}

func NewGatewaySender(channel model.Channel, cfg GatewayConfig) Sender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &gatewaySender{
		channel: channel,
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
	}
}

func NewPushSender(cfg GatewayConfig) Sender     { return NewGatewaySender(model.ChannelPush, cfg) }
func NewSMSSender(cfg GatewayConfig) Sender      { return NewGatewaySender(model.ChannelSMS, cfg) }
func NewWhatsAppSender(cfg GatewayConfig) Sender { return NewGatewaySender(model.ChannelWhatsApp, cfg) }

func (s *gatewaySender) Channel() model.Channel {
	return s.channel
}

type gatewayRequest struct {
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body"`
	CTAText   string `json:"cta_text,omitempty"`
	CTAURL    string `json:"cta_url,omitempty"`
}

type gatewayResponse struct {
	ProviderMessageID string `json:"provider_message_id"`
}

func (s *gatewaySender) Send(ctx context.Context, msg *model.Message, payload *model.MessagePayload) (*Outcome, error) {
	if msg.Recipient == "" {
		return nil, errors.InvalidRecipient(fmt.Sprintf("%s recipient is empty", s.channel))
	}

	body, err := json.Marshal(gatewayRequest{
		MessageID: msg.ID.String(),
		Recipient: msg.Recipient,
		Title:     payload.Subject,
		Body:      payload.Body,
		CTAText:   payload.CTAText,
		CTAURL:    payload.CTAURL,
	})
	if err != nil {
		return nil, errors.Internal(err)
	}

	url := fmt.Sprintf("%s/v1/%s/send", s.cfg.BaseURL, s.channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.ProviderError(fmt.Sprintf("%s gateway unreachable", s.channel), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, errors.RateLimited(string(s.channel), retryAfter, fmt.Errorf("gateway returned 429"))
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return nil, errors.InvalidRecipient(fmt.Sprintf("%s gateway rejected recipient", s.channel))
	case resp.StatusCode >= 500:
		return nil, errors.ProviderError(fmt.Sprintf("%s gateway error %d", s.channel, resp.StatusCode), nil)
	case resp.StatusCode >= 300:
		return nil, errors.DeliveryFailed(fmt.Sprintf("%s gateway returned %d", s.channel, resp.StatusCode), nil)
	}

	var out gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// Provider accepted the message; a bad response body is not a failure.
		return &Outcome{ProviderMessageID: msg.ID.String()}, nil
	}
	return &Outcome{ProviderMessageID: out.ProviderMessageID}, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
