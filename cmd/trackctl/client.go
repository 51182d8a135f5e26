package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/api"
	"github.com/markus-lassfolk/fieldtrack/pkg/tracker"
)

// client talks to the trackd API.
type client struct {
	base    string
	authKey string
	http    *http.Client
}

func newClient(base, authKey string, hc *http.Client) *client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &client{base: strings.TrimRight(base, "/"), authKey: authKey, http: hc}
}

func (c *client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.authKey != "" {
		req.Header.Set("X-API-Key", c.authKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) Status(ctx context.Context) (pkg.Status, error) {
	var s pkg.Status
	err := c.do(ctx, http.MethodGet, "/api/status", &s)
	return s, err
}

func (c *client) Flush(ctx context.Context) (tracker.FlushResult, error) {
	var r tracker.FlushResult
	err := c.do(ctx, http.MethodPost, "/api/flush", &r)
	return r, err
}

func (c *client) Queues(ctx context.Context) ([]api.QueueReport, error) {
	var q []api.QueueReport
	err := c.do(ctx, http.MethodGet, "/api/queue", &q)
	return q, err
}

// Watch calls fn for every status event until ctx ends or the stream closes.
func (c *client) Watch(ctx context.Context, fn func(pkg.Status)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.authKey != "" {
		req.Header.Set("X-API-Key", c.authKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return readEvents(resp.Body, fn)
}

func readEvents(r io.Reader, fn func(pkg.Status)) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var s pkg.Status
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &s); err != nil {
			return fmt.Errorf("bad event: %w", err)
		}
		fn(s)
	}
	return sc.Err()
}
