package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// DefaultPushoverURL is the Pushover messages endpoint.
const DefaultPushoverURL = "https://api.pushover.net/1/messages.json"

// Pushover priorities
const (
	PriorityLowest    = -2
	PriorityLow       = -1
	PriorityNormal    = 0
	PriorityHigh      = 1
	PriorityEmergency = 2
)

// PushoverConfig configures the Pushover channel
type PushoverConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Token    string `json:"token" yaml:"token"`
	User     string `json:"user" yaml:"user"`
	Device   string `json:"device" yaml:"device"`
	Priority int    `json:"priority" yaml:"priority"`
	APIURL   string `json:"api_url" yaml:"api_url"`
}

// PushoverResponse represents the Pushover API response
type PushoverResponse struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors,omitempty"`
}

// PushoverClient pushes status changes to a phone. Only updates whose status
// tag differs from the previous push are sent.
type PushoverClient struct {
	config *PushoverConfig
	logger *logx.Logger
	client *http.Client
	gate   tagGate
	disp   dispatcher
}

// NewPushoverClient creates a new Pushover client
func NewPushoverClient(config *PushoverConfig, logger *logx.Logger, client *http.Client) *PushoverClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if config.APIURL == "" {
		config.APIURL = DefaultPushoverURL
	}
	return &PushoverClient{
		config: config,
		logger: logger,
		client: client,
		disp:   dispatcher{timeout: 15 * time.Second},
	}
}

// Update queues a push when the status tag changed.
func (pc *PushoverClient) Update(title, body, statusTag string) {
	if !pc.config.Enabled || !pc.gate.changed(statusTag) {
		return
	}
	n := Notification{Title: title, Body: body, Tag: statusTag, Timestamp: time.Now()}
	pc.disp.goSend(func() {
		ctx, cancel := context.WithTimeout(context.Background(), pc.disp.timeout)
		defer cancel()
		if err := pc.Send(ctx, n); err != nil {
			pc.logger.Warn("Pushover notification failed", "tag", statusTag, "error", err)
		}
	})
}

// Close waits for in-flight pushes.
func (pc *PushoverClient) Close() {
	pc.disp.close()
}

// Send delivers one notification synchronously.
func (pc *PushoverClient) Send(ctx context.Context, n Notification) error {
	if pc.config.Token == "" || pc.config.User == "" {
		return fmt.Errorf("Pushover token and user are required")
	}

	data := url.Values{}
	data.Set("token", pc.config.Token)
	data.Set("user", pc.config.User)
	data.Set("title", n.Title)
	data.Set("message", fmt.Sprintf("%s [%s]", n.Body, n.Tag))
	if pc.config.Priority != PriorityNormal {
		data.Set("priority", strconv.Itoa(pc.config.Priority))
	}
	if pc.config.Device != "" {
		data.Set("device", pc.config.Device)
	}
	if !n.Timestamp.IsZero() {
		data.Set("timestamp", strconv.FormatInt(n.Timestamp.Unix(), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pc.config.APIURL,
		bytes.NewBufferString(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := pc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var pushoverResp PushoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushoverResp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if pushoverResp.Status != 1 {
		if len(pushoverResp.Errors) > 0 {
			return fmt.Errorf("Pushover API error: %v", pushoverResp.Errors)
		}
		return fmt.Errorf("Pushover API returned status %d", pushoverResp.Status)
	}

	pc.logger.Debug("Pushover notification sent successfully", "request_id", pushoverResp.Request)
	return nil
}
