// Package notify delivers status lines to a human over the configured
// channels: a chat webhook and the in-game team chat.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Notifier delivers one status message.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// WebhookURL resolves the current webhook target; the stored URL can change
// at runtime, so it is read per delivery.
type WebhookURL func() string

// Webhook posts messages to a chat webhook. Delivery failures are logged
// and swallowed: a down chat service must never break event processing.
type Webhook struct {
	url    WebhookURL
	client *resty.Client
	logger *zap.Logger
}

// NewWebhook creates the webhook channel.
func NewWebhook(url WebhookURL, logger *zap.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: resty.New().SetTimeout(10 * time.Second),
		logger: logger,
	}
}

// Notify posts one message. Always returns nil.
func (w *Webhook) Notify(ctx context.Context, message string) error {
	url := w.url()
	if url == "" {
		return nil
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"content": message}).
		Post(url)
	if err != nil {
		w.logger.Warn("webhook delivery failed", zap.Error(err))
		return nil
	}
	if resp.IsError() {
		w.logger.Warn("webhook delivery rejected",
			zap.Int("status", resp.StatusCode()),
			zap.String("body", resp.String()))
	}
	return nil
}

// TeamSender is the slice of the companion client the team channel uses.
type TeamSender interface {
	SendTeamMessage(ctx context.Context, text string) error
}

// Team sends messages to the in-game team chat. Requires a live companion
// session; best-effort with its own timeout.
type Team struct {
	sender  TeamSender
	timeout time.Duration
}

// NewTeam creates the team chat channel.
func NewTeam(sender TeamSender) *Team {
	return &Team{sender: sender, timeout: 10 * time.Second}
}

// Notify sends one team chat line. Errors (not connected, request timeout)
// surface to the caller, who decides whether to swallow them.
func (t *Team) Notify(ctx context.Context, message string) error {
	sendCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.sender.SendTeamMessage(sendCtx, message)
}

// Multi fans one message out to several channels. Every channel is tried;
// errors are joined.
type Multi []Notifier

// Notify delivers to all channels.
func (m Multi) Notify(ctx context.Context, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
