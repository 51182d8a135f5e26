package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// WebhookConfig configures the generic JSON webhook channel
type WebhookConfig struct {
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	URL           string            `json:"url" yaml:"url"`
	Headers       map[string]string `json:"headers" yaml:"headers"`
	DeviceID      string            `json:"device_id" yaml:"device_id"`
	RetryAttempts int               `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    time.Duration     `json:"retry_delay" yaml:"retry_delay"`
	Timeout       time.Duration     `json:"timeout" yaml:"timeout"`
}

// WebhookPayload represents the payload sent to webhooks
type WebhookPayload struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	Tag       string `json:"tag"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	DeviceID  string `json:"device_id,omitempty"`
}

// WebhookClient posts status changes to an HTTP endpoint.
type WebhookClient struct {
	config *WebhookConfig
	logger *logx.Logger
	client *http.Client
	gate   tagGate
	disp   dispatcher
}

// NewWebhookClient creates a new webhook client
func NewWebhookClient(config *WebhookConfig, logger *logx.Logger, client *http.Client) *WebhookClient {
	timeout := 10 * time.Second
	if config.Timeout > 0 {
		timeout = config.Timeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	return &WebhookClient{
		config: config,
		logger: logger,
		client: client,
		disp:   dispatcher{timeout: time.Duration(config.RetryAttempts) * (timeout + config.RetryDelay)},
	}
}

// Update posts the update in the background when the status tag changed.
func (wc *WebhookClient) Update(title, body, statusTag string) {
	if !wc.config.Enabled || wc.config.URL == "" || !wc.gate.changed(statusTag) {
		return
	}
	payload := &WebhookPayload{
		Title:     title,
		Message:   body,
		Tag:       statusTag,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    "fieldtrack",
		DeviceID:  wc.config.DeviceID,
	}
	wc.disp.goSend(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wc.disp.timeout)
		defer cancel()
		if err := wc.sendWithRetry(ctx, payload); err != nil {
			wc.logger.Warn("Webhook notification failed", "url", wc.config.URL, "error", err)
		}
	})
}

// Close waits for in-flight posts.
func (wc *WebhookClient) Close() {
	wc.disp.close()
}

func (wc *WebhookClient) send(ctx context.Context, payload *WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range wc.config.Headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "fieldtrack/1.0")
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	wc.logger.Debug("Webhook notification sent successfully", "url", wc.config.URL, "status", resp.StatusCode)
	return nil
}

func (wc *WebhookClient) sendWithRetry(ctx context.Context, payload *WebhookPayload) error {
	var lastErr error
	for attempt := 1; attempt <= wc.config.RetryAttempts; attempt++ {
		err := wc.send(ctx, payload)
		if err == nil {
			if attempt > 1 {
				wc.logger.Info("Webhook succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		lastErr = err
		wc.logger.Warn("Webhook attempt failed",
			"attempt", attempt,
			"max_attempts", wc.config.RetryAttempts,
			"error", err)

		if attempt < wc.config.RetryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wc.config.RetryDelay):
			}
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", wc.config.RetryAttempts, lastErr)
}
