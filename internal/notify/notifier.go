// Package notify delivers monitor alerts to their owners. The default sink is
// the structured log; a webhook sink can be configured for chat integrations.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Notifier delivers one alert digest to a recipient.
type Notifier interface {
	Notify(ctx context.Context, recipient, severity, title, body string) error
}

// LogNotifier writes alert digests to the structured log.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a log-backed notifier
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, recipient, severity, title, body string) error {
	event := n.log.Warn()
	if severity == "critical" {
		event = n.log.Error()
	}
	event.
		Str("recipient", recipient).
		Str("severity", severity).
		Str("title", title).
		Msg(body)
	return nil
}

// WebhookNotifier POSTs alert digests as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

// NewWebhookNotifier creates a webhook-backed notifier
func NewWebhookNotifier(url string, log zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With().Str("component", "notifier").Logger(),
	}
}

type webhookPayload struct {
	Recipient string    `json:"recipient"`
	Severity  string    `json:"severity"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, recipient, severity, title, body string) error {
	payload, err := json.Marshal(webhookPayload{
		Recipient: recipient,
		Severity:  severity,
		Title:     title,
		Body:      body,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.log.Debug().
		Str("recipient", recipient).
		Str("severity", severity).
		Msg("Alert delivered")
	return nil
}
