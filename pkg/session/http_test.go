package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

func testSample() pkg.TrackingSample {
	fix := pkg.LocationFix{Latitude: 59.3293, Longitude: 18.0686, Accuracy: 7.5, Timestamp: time.Now()}
	return pkg.NewTrackingSample(fix, 87, pkg.SignalWeak, time.Now())
}

func TestHTTPClient_SubmitPayloadShape(t *testing.T) {
	var body map[string]interface{}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/locations", r.URL.Path)
		auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL + "/", Token: "abc"}, logx.Discard(), nil)
	require.True(t, c.IsActive())
	require.NoError(t, c.SubmitSample(context.Background(), testSample()))

	assert.Equal(t, "Bearer abc", auth)
	assert.Equal(t, map[string]interface{}{
		"latitude":      59.3293,
		"longitude":     18.0686,
		"accuracy":      7.5,
		"batteryStatus": float64(87),
		"signal":        "weak",
	}, body)
}

func TestHTTPClient_InactiveSession(t *testing.T) {
	c := NewHTTPClient(HTTPConfig{BaseURL: "http://127.0.0.1:1"}, logx.Discard(), nil)
	assert.False(t, c.IsActive())
	assert.ErrorIs(t, c.SubmitSample(context.Background(), testSample()), ErrSessionInactive)
}

func TestHTTPClient_Failures(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, Token: "abc"}, logx.Discard(), nil)
	assert.ErrorIs(t, c.SubmitSample(context.Background(), testSample()), ErrRejected)
	assert.True(t, c.IsActive())

	status = http.StatusUnauthorized
	assert.ErrorIs(t, c.SubmitSample(context.Background(), testSample()), ErrSessionInactive)
	assert.False(t, c.IsActive())
}

func TestHTTPClient_TimeoutIsFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, Token: "abc"}, logx.Discard(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.SubmitSample(ctx, testSample())
	assert.Error(t, err)
}

func TestHTTPClient_Login(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(loginResponse{Token: "tok-1"})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL}, logx.Discard(), nil)
	assert.Error(t, c.Login(context.Background(), "unit-7", "wrong"))
	assert.False(t, c.IsActive())

	require.NoError(t, c.Login(context.Background(), "unit-7", "secret"))
	assert.True(t, c.IsActive())

	c.Logout()
	assert.False(t, c.IsActive())
}

func TestHTTPClient_KeepAliveLogsInAgain(t *testing.T) {
	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		_ = json.NewEncoder(w).Encode(loginResponse{Token: "tok"})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL}, logx.Discard(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.KeepAlive(ctx, "unit-7", "secret", 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, c.IsActive, time.Second, 5*time.Millisecond)
	c.Logout()
	require.Eventually(t, c.IsActive, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, logins.Load(), int32(2))

	cancel()
	<-done
}

func TestLogClient(t *testing.T) {
	c := NewLogClient(logx.Discard())
	assert.True(t, c.IsActive())
	require.NoError(t, c.SubmitSample(context.Background(), testSample()))
	assert.Equal(t, int64(1), c.Submitted())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.SubmitSample(ctx, testSample()))
}
