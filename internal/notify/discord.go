package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// discordMaxContent is the webhook content limit.
const discordMaxContent = 2000

// DiscordSender delivers notifications via a Discord webhook.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL with a
// 10-second HTTP timeout.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "shiprace",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts a message to the webhook. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"username": d.username,
		"content":  truncate(fmt.Sprintf("**%s**\n%s", title, message), discordMaxContent),
	}
	return postJSON(ctx, d.client, d.webhookURL, payload, "discord")
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
