package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fleetguard/internal/events"
	"github.com/msageha/fleetguard/internal/metrics"
	"github.com/msageha/fleetguard/internal/model"
)

func TestWebhook_Notify(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(model.WebhookConfig{Name: "ops", URL: srv.URL}, time.Second)
	err := w.Notify(context.Background(), Message{Kind: KindIncidentOpened, Title: "disk full", Target: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "disk full", got.Title)
	assert.Equal(t, "alice", got.Target)
}

func TestWebhook_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(model.WebhookConfig{Name: "ops", URL: srv.URL}, time.Second).
		Notify(context.Background(), Message{Kind: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "nope")
}

func TestWebhook_Accepts(t *testing.T) {
	all := NewWebhook(model.WebhookConfig{Name: "a", URL: "http://x"}, 0)
	assert.True(t, all.Accepts(KindRollback))
	some := NewWebhook(model.WebhookConfig{Name: "b", URL: "http://x", Kinds: []string{KindIncidentEscalated}}, 0)
	assert.True(t, some.Accepts(KindIncidentEscalated))
	assert.False(t, some.Accepts(KindRollback))
}

type fakeSink struct {
	name  string
	kinds []string
	err   error
	mu    sync.Mutex
	got   []Message
}

func (f *fakeSink) Name() string { return f.name }
func (f *fakeSink) Accepts(kind string) bool {
	if len(f.kinds) == 0 {
		return true
	}
	for _, k := range f.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (f *fakeSink) Notify(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, m)
	return f.err
}

func (f *fakeSink) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.got...)
}

func TestMulti_FanOutAndJoinErrors(t *testing.T) {
	m := metrics.New()
	ok := &fakeSink{name: "ok"}
	bad := &fakeSink{name: "bad", err: errors.New("boom")}
	picky := &fakeSink{name: "picky", kinds: []string{KindRollback}}

	err := NewMulti(m, ok, bad, picky).Notify(context.Background(), Message{Kind: KindIncidentOpened, Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, ok.messages(), 1)
	assert.False(t, ok.messages()[0].SentAt.IsZero())
	assert.Len(t, bad.messages(), 1)
	assert.Empty(t, picky.messages())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("ok", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("bad", "error")))
}

func TestFromConfig_LogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	mu := FromConfig(model.NotifyConfig{}, logger, nil)
	require.NoError(t, mu.Notify(context.Background(), Message{Kind: KindWorkflowStep, Title: "page db team"}))
	assert.Contains(t, buf.String(), "page db team")
}

func TestRelay(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()
	sink := &fakeSink{name: "s"}
	unsub := Relay(bus, NewMulti(nil, sink), time.Second, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	defer unsub()

	bus.Publish(events.EventRunQueued, map[string]any{"runId": "run_1"})
	bus.Publish(events.EventIncidentEscalated, map[string]any{
		"incidentId": "inc_1", "severity": "critical", "title": "disk full", "escalationCount": 2,
	})

	require.Eventually(t, func() bool { return len(sink.messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := sink.messages()[0]
	assert.Equal(t, KindIncidentEscalated, msg.Kind)
	assert.Equal(t, "[critical] incident inc_1 escalated (x2): disk full", msg.Title)
}

func TestMessageFor_IgnoresOtherEvents(t *testing.T) {
	_, ok := messageFor(events.Event{Type: events.EventRunFinished})
	assert.False(t, ok)
}
