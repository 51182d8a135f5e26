// Package session talks to the fleet backend: it holds the authenticated
// session and submits tracking samples.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

var (
	// ErrSessionInactive means no authenticated session exists.
	ErrSessionInactive = errors.New("session inactive")
	// ErrRejected means the backend answered but did not accept the sample.
	ErrRejected = errors.New("sample rejected by backend")
)

// HTTPConfig configures the HTTP session client
type HTTPConfig struct {
	BaseURL      string        `json:"base_url"`
	LoginPath    string        `json:"login_path"`
	LocationPath string        `json:"location_path"`
	Token        string        `json:"token"`
	Timeout      time.Duration `json:"timeout"`
}

// DefaultHTTPConfig returns the default paths and timeout.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		LoginPath:    "/login",
		LocationPath: "/locations",
		Timeout:      10 * time.Second,
	}
}

// HTTPClient submits samples as JSON to the backend REST API.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
	logger *logx.Logger

	mu    sync.RWMutex
	token string
}

// NewHTTPClient creates a client. A preconfigured token starts the session.
func NewHTTPClient(cfg HTTPConfig, logger *logx.Logger, client *http.Client) *HTTPClient {
	def := DefaultHTTPConfig()
	if cfg.LoginPath == "" {
		cfg.LoginPath = def.LoginPath
	}
	if cfg.LocationPath == "" {
		cfg.LocationPath = def.LocationPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{cfg: cfg, client: client, logger: logger, token: cfg.Token}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login exchanges credentials for a session token.
func (c *HTTPClient) Login(ctx context.Context, username, password string) error {
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, c.cfg.LoginPath, body, "")
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("login failed with status %d", resp.StatusCode)
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to parse login response: %w", err)
	}
	if lr.Token == "" {
		return fmt.Errorf("login response carried no token")
	}

	c.mu.Lock()
	c.token = lr.Token
	c.mu.Unlock()
	c.logger.Info("Session started", "user", username)
	return nil
}

// Logout drops the session token.
func (c *HTTPClient) Logout() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// IsActive reports whether a session token is held.
func (c *HTTPClient) IsActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// SubmitSample posts the sample payload. Any non-2xx answer is a failure; a
// 401 also ends the session.
func (c *HTTPClient) SubmitSample(ctx context.Context, sample pkg.TrackingSample) error {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token == "" {
		return ErrSessionInactive
	}

	body, err := json.Marshal(sample.Payload())
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	resp, err := c.post(ctx, c.cfg.LocationPath, body, token)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode/100 == 2:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		c.Logout()
		c.logger.Warn("Session expired", "status", resp.StatusCode)
		return ErrSessionInactive
	default:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.client.Do(req)
}

// KeepAlive logs in whenever the session is inactive, checking every
// interval until ctx ends. Without credentials it only relies on the
// configured token.
func (c *HTTPClient) KeepAlive(ctx context.Context, username, password string, interval time.Duration) {
	if username == "" {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !c.IsActive() {
			if err := c.Login(ctx, username, password); err != nil {
				c.logger.Warn("Login failed, retrying later", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
