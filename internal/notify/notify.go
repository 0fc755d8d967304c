// Package notify sends outbound webhooks: pipeline event notifications and
// post-delivery library scan triggers. Both are best effort; callers wrap
// Send in the circuit breaker and treat failures as log lines, never as
// pipeline failures.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/delivery"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
	"github.com/jmylchreest/fetcharr/pkg/httpclient"
)

const defaultTimeout = 10 * time.Second

// envelope is the JSON body posted to the webhook.
type envelope struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// Webhook posts pipeline events to one configured URL.
type Webhook struct {
	cfg    config.NotifyConfig
	client *httpclient.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewWebhook creates the notifier. A disabled or URL-less config yields a
// notifier whose Send is a no-op, so callers never need a nil check.
func NewWebhook(cfg config.NotifyConfig, logger *slog.Logger) *Webhook {
	return &Webhook{
		cfg:    cfg,
		client: newClient(cfg.Timeout, logger),
		logger: logger.With("component", "notify"),
		now:    time.Now,
	}
}

// Send posts {event, timestamp, payload} as JSON.
func (w *Webhook) Send(ctx context.Context, event string, payload any) error {
	if !w.cfg.Enabled || w.cfg.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(envelope{
		Event:     event,
		Timestamp: w.now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.AuthToken)
	}

	resp, err := w.client.DoWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	w.logger.Debug("webhook sent", "event", event, "status", resp.StatusCode)
	return nil
}

// Scanner pokes storage servers' library scan endpoints after deliveries.
type Scanner struct {
	client *httpclient.Client
	logger *slog.Logger
}

// NewScanner creates the scan trigger.
func NewScanner(timeout time.Duration, logger *slog.Logger) *Scanner {
	return &Scanner{
		client: newClient(timeout, logger),
		logger: logger.With("component", "scan_trigger"),
	}
}

// TriggerScan POSTs an empty body to the server's scan URL.
func (s *Scanner) TriggerScan(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("building scan request: %w", err)
	}

	resp, err := s.client.DoWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("triggering library scan: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("scan endpoint returned status %d", resp.StatusCode)
	}
	s.logger.Debug("library scan triggered", "url", url, "status", resp.StatusCode)
	return nil
}

var (
	_ steps.Notifier       = (*Webhook)(nil)
	_ delivery.ScanTrigger = (*Scanner)(nil)
)

func newClient(timeout time.Duration, logger *slog.Logger) *httpclient.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = timeout
	cfg.Logger = logger
	// One attempt per Send: notifications ride the caller's breaker and the
	// next pipeline event retries naturally.
	cfg.RetryAttempts = 0
	return httpclient.New(cfg)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
