package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/queue"
	"github.com/markus-lassfolk/fieldtrack/pkg/store"
	"github.com/markus-lassfolk/fieldtrack/pkg/tracker"
)

type fakeTracker struct {
	status   pkg.Status
	flush    tracker.FlushResult
	flushErr error

	mu        sync.Mutex
	cancelled int
}

func (f *fakeTracker) Status() pkg.Status { return f.status }

func (f *fakeTracker) Subscribe() (<-chan pkg.Status, func()) {
	ch := make(chan pkg.Status, 1)
	ch <- f.status
	return ch, func() {
		f.mu.Lock()
		f.cancelled++
		f.mu.Unlock()
	}
}

func (f *fakeTracker) ForceFlushNow(ctx context.Context) (tracker.FlushResult, error) {
	return f.flush, f.flushErr
}

func (f *fakeTracker) Cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func newTestServer(t *testing.T, ft *fakeTracker, authKey string) *httptest.Server {
	t.Helper()
	q, err := queue.Open(context.Background(), store.NewMemoryList(), "primary_updates", 100, logx.Discard())
	require.NoError(t, err)
	s := NewServer(Config{AuthKey: authKey}, ft, []*queue.Queue{q}, logx.Discard())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func activeStatus() pkg.Status {
	return pkg.Status{
		TrackingSession: pkg.TrackingSession{Mode: pkg.ModePrimaryActive, CurrentIntervalSeconds: 15, CurrentSpeedKmh: 9.5},
		ActiveWorker:    pkg.WorkerPrimary,
		Online:          true,
		BatteryPercent:  81,
		SignalTier:      pkg.SignalStrong,
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeTracker{status: activeStatus()}, "")

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got pkg.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, activeStatus(), got)
}

func TestStatusEndpoint_RejectsPost(t *testing.T) {
	ts := newTestServer(t, &fakeTracker{}, "")
	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t, &fakeTracker{status: activeStatus()}, "s3cret")

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	req.Header.Set("X-API-Key", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/status?auth=s3cret")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open for probes.
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFlushEndpoint(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"delivered", nil, http.StatusOK},
		{"not active", tracker.ErrNotActive, http.StatusConflict},
		{"no fix", tracker.ErrNoFix, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTracker{
				flush:    tracker.FlushResult{Worker: pkg.WorkerFallback, Outcome: tracker.Outcome{Delivered: true}},
				flushErr: tt.err,
			}
			ts := newTestServer(t, ft, "")
			resp, err := http.Post(ts.URL+"/api/flush", "application/json", nil)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)

			if tt.err == nil {
				var res tracker.FlushResult
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
				assert.True(t, res.Delivered)
				assert.Equal(t, pkg.WorkerFallback, res.Worker)
				return
			}
			var e ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
			assert.Equal(t, tt.err.Error(), e.Error)
		})
	}
}

func TestQueueEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeTracker{}, "")
	resp, err := http.Get(ts.URL + "/api/queue")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []QueueReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "primary_updates", got[0].Key)
	assert.Equal(t, 100, got[0].Ceiling)
	assert.Equal(t, 0, got[0].Depth)
}

func TestHealthEndpoint_Stopped(t *testing.T) {
	ts := newTestServer(t, &fakeTracker{status: pkg.Status{TrackingSession: pkg.TrackingSession{Mode: pkg.ModeStopped}}}, "")
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	ft := &fakeTracker{status: activeStatus()}
	ts := newTestServer(t, ft, "")

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	var data string
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	var got pkg.Status
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, pkg.ModePrimaryActive, got.Mode)

	cancel()
	assert.Eventually(t, func() bool { return ft.Cancelled() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeTracker{}, "")
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerStartAndShutdown(t *testing.T) {
	s := NewServer(Config{Listen: "127.0.0.1:0"}, &fakeTracker{status: activeStatus()}, nil, logx.Discard())
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
