package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/arazzo/internal/store"
)

// webhookMaxAttempts bounds delivery retries; failure to deliver never
// alters run status.
const webhookMaxAttempts = 3

// WebhookSink POSTs a completion summary to a URL when a run finishes.
// Intermediate events are ignored.
type WebhookSink struct {
	url    string
	client *http.Client
	logger *slog.Logger

	// sleep is replaceable in tests.
	sleep func(time.Duration)
}

// NewWebhookSink creates a webhook sink for the given URL.
func NewWebhookSink(url string, logger *slog.Logger) *WebhookSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		sleep:  time.Sleep,
	}
}

func (w *WebhookSink) Deliver(ctx context.Context, ev *store.Event) error {
	if ev.Type != TypeRunFinished {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"runId":      ev.RunID.String(),
		"finishedAt": ev.TS,
		"status":     ev.Payload["status"],
		"outputs":    ev.Payload["outputs"],
		"error":      ev.Payload["error"],
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= webhookMaxAttempts; attempt++ {
		if attempt > 1 {
			w.sleep(time.Duration(attempt-1) * time.Second)
		}
		lastErr = w.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		w.logger.Warn("webhook delivery failed",
			"url", w.url,
			"attempt", attempt,
			"error", lastErr,
		)
	}
	return fmt.Errorf("webhook delivery exhausted after %d attempts: %w", webhookMaxAttempts, lastErr)
}

func (w *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
