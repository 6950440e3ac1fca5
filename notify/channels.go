package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookChannel posts messages as JSON. Recipients with an absolute URL as
// address are posted there, everything else goes to the base URL.
type WebhookChannel struct {
	name   string
	client *resty.Client
}

func NewWebhookChannel(name, baseURL string, timeout time.Duration) *WebhookChannel {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &WebhookChannel{name: name, client: client}
}

func (c *WebhookChannel) Name() string { return c.name }

type webhookBody struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	Address   string    `json:"address"`
	Priority  Priority  `json:"priority"`
	Payload   Payload   `json:"payload"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *WebhookChannel) Deliver(ctx context.Context, msg Message) error {
	url := "/"
	if strings.HasPrefix(msg.Recipient.Address, "http://") || strings.HasPrefix(msg.Recipient.Address, "https://") {
		url = msg.Recipient.Address
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", msg.ID).
		SetBody(webhookBody{
			ID:        msg.ID,
			Recipient: msg.Recipient.Name,
			Address:   msg.Recipient.Address,
			Priority:  msg.Priority,
			Payload:   msg.Payload,
			Attempt:   msg.Attempts,
			CreatedAt: msg.CreatedAt,
		}).
		Post(url)
	if err != nil {
		return fmt.Errorf("could not post to %s: %w", c.name, err)
	}
	code := resp.StatusCode()
	switch {
	case !resp.IsError():
		return nil
	case code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s returned %d", ErrRejected, c.name, code)
	default:
		return fmt.Errorf("%s returned %d", c.name, code)
	}
}

// LogChannel only logs messages. Useful when no transport is configured.
type LogChannel struct {
	name string
}

func NewLogChannel(name string) LogChannel {
	return LogChannel{name: name}
}

func (c LogChannel) Name() string { return c.name }

func (c LogChannel) Deliver(_ context.Context, msg Message) error {
	log.Info(
		msg.Payload.Title,
		"channel", c.name,
		"recipient", msg.Recipient.Name,
		"address", msg.Recipient.Address,
		"priority", msg.Priority,
		"body", msg.Payload.Body,
	)
	return nil
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc struct {
	ChannelName string
	Fn          func(ctx context.Context, msg Message) error
}

func (c ChannelFunc) Name() string { return c.ChannelName }

func (c ChannelFunc) Deliver(ctx context.Context, msg Message) error {
	return c.Fn(ctx, msg)
}
