package notifications

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

type recordingNotifier struct {
	mu   sync.Mutex
	tags []string
}

func (r *recordingNotifier) Update(title, body, statusTag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, statusTag)
}

func TestMultiNotifier_FansOut(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	m := NewMultiNotifier(a, nil, b, NewLogNotifier(logx.Discard()))
	assert.Equal(t, 3, m.Len())

	m.Update("Tracking", "every 5s", "online")
	assert.Equal(t, []string{"online"}, a.tags)
	assert.Equal(t, []string{"online"}, b.tags)
}

func TestTagGate(t *testing.T) {
	var g tagGate
	assert.True(t, g.changed("online"))
	assert.False(t, g.changed("online"))
	assert.True(t, g.changed("offline (1 queued)"))
	assert.True(t, g.changed("online"))
}

func TestPushoverClient_PushesOnlyOnTagChange(t *testing.T) {
	var mu sync.Mutex
	var forms []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		forms = append(forms, r.PostForm)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(PushoverResponse{Status: 1, Request: "req-1"})
	}))
	defer srv.Close()

	pc := NewPushoverClient(&PushoverConfig{Enabled: true, Token: "tok", User: "usr", APIURL: srv.URL}, logx.Discard(), nil)
	pc.Update("Tracking", "every 5s", "online")
	pc.Update("Tracking", "every 15s", "online")
	pc.Update("Tracking", "every 15s", "offline (2 queued)")
	pc.Close()

	require.Len(t, forms, 2)
	tags := map[string]bool{}
	for _, f := range forms {
		assert.Equal(t, "tok", f.Get("token"))
		assert.Equal(t, "usr", f.Get("user"))
		assert.Equal(t, "Tracking", f.Get("title"))
		tags[f.Get("message")] = true
	}
	assert.True(t, tags["every 5s [online]"])
	assert.True(t, tags["every 15s [offline (2 queued)]"])
}

func TestPushoverClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(PushoverResponse{Status: 0, Errors: []string{"user identifier is invalid"}})
	}))
	defer srv.Close()

	pc := NewPushoverClient(&PushoverConfig{Enabled: true, Token: "tok", User: "bad", APIURL: srv.URL}, logx.Discard(), nil)
	err := pc.Send(t.Context(), Notification{Title: "t", Body: "b", Tag: "online", Timestamp: time.Now()})
	assert.ErrorContains(t, err, "user identifier is invalid")

	pc.config.User = ""
	assert.Error(t, pc.Send(t.Context(), Notification{}))
}

func TestPushoverClient_DisabledSendsNothing(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()

	pc := NewPushoverClient(&PushoverConfig{Token: "tok", User: "usr", APIURL: srv.URL}, logx.Discard(), nil)
	pc.Update("Tracking", "every 5s", "online")
	pc.Close()
	assert.Zero(t, calls)
}

func TestWebhookClient_RetriesAndGates(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	var got []WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		assert.Equal(t, "secret", r.Header.Get("X-Auth"))
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var p WebhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		got = append(got, p)
	}))
	defer srv.Close()

	wc := NewWebhookClient(&WebhookConfig{
		Enabled:    true,
		URL:        srv.URL,
		Headers:    map[string]string{"X-Auth": "secret"},
		DeviceID:   "unit-9",
		RetryDelay: time.Millisecond,
	}, logx.Discard(), nil)

	wc.Update("Tracking", "every 30s", "offline")
	wc.Update("Tracking", "every 30s", "offline")
	wc.Close()

	assert.Equal(t, 2, attempts)
	require.Len(t, got, 1)
	assert.Equal(t, "offline", got[0].Tag)
	assert.Equal(t, "unit-9", got[0].DeviceID)
	assert.Equal(t, "fieldtrack", got[0].Source)
}
