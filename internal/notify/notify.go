// Package notify implements the operator-alert boundary the core depends
// on (spec §1 "an opaque Notifier for operator alerts"). The original
// sends SMTP mail (util.py send_email); that collaborator is out of
// scope per spec §1, so we replace it with an HTTP webhook delivered
// through the teacher's own retry client (internal/api/client.go), which
// is a strictly better fit for a headless daemon than requiring a local
// MTA.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/vubiquity/dispatchd/internal/logging"
)

// Notifier delivers an operator-facing alert message. Invoked on the
// cooldown-tripping transition only (spec §4.5, §6).
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// WebhookNotifier posts the alert body to a single configured URL,
// retrying transient failures with exponential backoff, matching the
// teacher's retryablehttp.NewClient() wiring in internal/api/client.go.
type WebhookNotifier struct {
	url    string
	client *retryablehttp.Client
	log    *logging.Logger
}

// NewWebhookNotifier returns a Notifier that POSTs to url.
func NewWebhookNotifier(url string, log *logging.Logger) *WebhookNotifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 5
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 30 * time.Second
	client.Logger = nil

	return &WebhookNotifier{url: url, client: client, log: log}
}

// Notify posts message as the request body of a plain-text POST.
func (n *WebhookNotifier) Notify(ctx context.Context, message string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader([]byte(message)))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Error().Err(err).Msg("notify: delivery failed after retries")
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// NullNotifier discards every message; used when no webhook URL is
// configured, so the core can always call Notify unconditionally.
type NullNotifier struct{}

func (NullNotifier) Notify(context.Context, string) error { return nil }
