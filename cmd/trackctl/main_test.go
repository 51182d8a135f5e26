package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/api"
	"github.com/markus-lassfolk/fieldtrack/pkg/queue"
	"github.com/markus-lassfolk/fieldtrack/pkg/tracker"
)

func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "unauthorized"})
			return
		}
		_ = json.NewEncoder(w).Encode(pkg.Status{
			TrackingSession: pkg.TrackingSession{Mode: pkg.ModeFallbackActive, CurrentIntervalSeconds: 5},
			ActiveWorker:    pkg.WorkerFallback,
			QueueDepth:      3,
		})
	})
	mux.HandleFunc("/api/flush", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: tracker.ErrNoFix.Error()})
	})
	mux.HandleFunc("/api/queue", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]api.QueueReport{{Key: "primary_updates", Stats: queue.Stats{Depth: 3, Ceiling: 100}}})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestRunCommand_Status(t *testing.T) {
	ts := fakeDaemon(t)
	var out bytes.Buffer
	require.NoError(t, runCommand(newClient(ts.URL, "k", nil), "status", "standard", &out))
	assert.Contains(t, out.String(), "mode=fallback_active")
	assert.Contains(t, out.String(), "offline (3 queued)")
	assert.Contains(t, out.String(), "last=never")

	out.Reset()
	require.NoError(t, runCommand(newClient(ts.URL, "k", nil), "status", "json", &out))
	var s pkg.Status
	require.NoError(t, json.Unmarshal(out.Bytes(), &s))
	assert.Equal(t, pkg.WorkerFallback, s.ActiveWorker)
}

func TestRunCommand_Errors(t *testing.T) {
	ts := fakeDaemon(t)

	err := runCommand(newClient(ts.URL, "wrong", nil), "status", "standard", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")

	err = runCommand(newClient(ts.URL, "k", nil), "flush", "standard", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no fix")

	assert.Error(t, runCommand(newClient(ts.URL, "k", nil), "reboot", "standard", &bytes.Buffer{}))
}

func TestRunCommand_Queue(t *testing.T) {
	ts := fakeDaemon(t)
	var out bytes.Buffer
	require.NoError(t, runCommand(newClient(ts.URL, "k", nil), "queue", "standard", &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "primary_updates"))
}

func TestReadEvents(t *testing.T) {
	stream := ": ping\n\nevent: status\ndata: {\"mode\":\"primary_active\"}\n\nevent: status\ndata: {\"mode\":\"stopped\"}\n\n"
	var modes []pkg.Mode
	require.NoError(t, readEvents(strings.NewReader(stream), func(s pkg.Status) { modes = append(modes, s.Mode) }))
	assert.Equal(t, []pkg.Mode{pkg.ModePrimaryActive, pkg.ModeStopped}, modes)

	assert.Error(t, readEvents(strings.NewReader("data: {nope\n"), func(pkg.Status) {}))
}
