// Package providers holds concrete notify.Provider implementations. Only
// one real wire protocol (Slack) plus a file/log provider are implemented
// here; Discord, Telegram, and other plugin wire protocols are out of
// scope; the provider contract (internal/notify.Provider) is
// what lets any of them be added later as registration only.
package providers

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/engels74/mover-status-sub003/internal/notify"
	"github.com/engels74/mover-status-sub003/internal/sanitize"
)

// Slack delivers notify.Message values to a Slack incoming webhook.
type Slack struct {
	name       string
	webhookURL string
	channel    string
	iconEmoji  string
}

// NewSlack is a notify.Factory for the "slack" provider kind. config is the
// opaque providers.slack mapping from the consumed configuration: requires
// "webhook_url"; "channel" and "icon_emoji" are optional overrides.
func NewSlack(name string, config map[string]any) (notify.Provider, error) {
	url, _ := config["webhook_url"].(string)
	channel, _ := config["channel"].(string)
	icon, _ := config["icon_emoji"].(string)
	return &Slack{name: name, webhookURL: url, channel: channel, iconEmoji: icon}, nil
}

// Name returns the provider's registered name.
func (s *Slack) Name() string { return s.name }

// ValidateConfig requires a non-empty webhook URL.
func (s *Slack) ValidateConfig() error {
	if s.webhookURL == "" {
		return fmt.Errorf("providers.slack[%s]: webhook_url is required", s.name)
	}
	return nil
}

// Send posts message to the configured Slack webhook. A single logical
// message maps to a single webhook POST, so retried sends under the same
// delivery id are idempotent at the level the webhook protocol allows.
func (s *Slack) Send(ctx context.Context, message notify.Message) (bool, error) {
	payload := &slack.WebhookMessage{
		Channel:   s.channel,
		IconEmoji: s.iconEmoji,
		Username:  "moverstatusd",
		Text:      fmt.Sprintf("*%s*\n%s", message.Title, message.Content),
	}

	if err := slack.PostWebhookContext(ctx, s.webhookURL, payload); err != nil {
		return false, fmt.Errorf("providers.slack[%s]: %s", s.name, sanitize.SanitizeError(err))
	}
	return true, nil
}
