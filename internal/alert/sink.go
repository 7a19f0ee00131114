// Package alert implements the offline-agent alert sink: a narrow contract
// for delivering offline-agent alerts, plus a default webhook-based
// implementation.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Sink delivers one alert (title, body). url is an optional deep link
// (e.g. to the agent's detail page); empty when none applies.
type Sink interface {
	Send(ctx context.Context, title, body, url string) error
}

// WebhookSink posts a JSON envelope to a configured webhook URL: build the
// envelope, POST with a short timeout, and let the caller decide whether to
// log-and-continue on failure — the server's alert tick must never be
// blocked or crashed by a slow or unreachable webhook.
type WebhookSink struct {
	URL    string
	Client *http.Client
	Logger *zap.Logger
}

// NewWebhookSink builds a WebhookSink posting to url with a 10s client
// timeout.
func NewWebhookSink(url string, logger *zap.Logger) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
		Logger: logger,
	}
}

type webhookEnvelope struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Url   string `json:"url,omitempty"`
	Time  int64  `json:"time"`
}

// Send posts the alert envelope. Errors are returned to the caller (the
// server loop decides whether to log-and-continue); Send itself performs no
// retries — the alert-dedup policy in internal/monitorserver means a missed
// delivery is not retried until last_rsp changes.
func (w *WebhookSink) Send(ctx context.Context, title, body, url string) error {
	if w.URL == "" {
		w.Logger.Debug("alert sink has no webhook configured, dropping alert", zap.String("title", title))
		return nil
	}

	payload, err := json.Marshal(webhookEnvelope{Title: title, Body: body, Url: url, Time: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("alert: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("alert: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NoopSink discards every alert; used when no webhook is configured and the
// caller wants an always-valid Sink rather than a nil check at every call
// site.
type NoopSink struct{}

func (NoopSink) Send(ctx context.Context, title, body, url string) error { return nil }
