package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tvboxd/internal/config"
	"tvboxd/internal/httpclient"
	"tvboxd/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient() *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.Logger = discardLogger()
	return httpclient.New(cfg)
}

func testChannelConfig() config.ChannelConfig {
	return config.ChannelConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		ReconnectDelay:    5 * time.Millisecond,
		ReconnectMaxDelay: 20 * time.Millisecond,
		TelemetryBuffer:   8,
	}
}

func testIdentity() *models.DeviceIdentity {
	return &models.DeviceIdentity{DeviceUUID: "uuid-1", DeviceID: "dev-1", Token: "tok-1"}
}

type fixedStatus struct{}

func (fixedStatus) PlaybackStatus() (string, int64) { return "item-5", 9 }

func TestReadSSEParsesFrames(t *testing.T) {
	stream := strings.Join([]string{
		": keepalive",
		"event: command",
		"data: {\"command\":\"next\"}",
		"",
		"data: first line",
		"data: second line",
		"",
		"event: manifest",
		"data: {\"version\":4}",
		"",
	}, "\n")

	var got []sseEvent
	err := readSSE(context.Background(), strings.NewReader(stream), func(ev sseEvent) {
		got = append(got, ev)
	})
	require.ErrorIs(t, err, io.EOF)

	require.Len(t, got, 3)
	assert.Equal(t, "command", got[0].Event)
	assert.Equal(t, `{"command":"next"}`, got[0].Data)
	assert.Equal(t, "", got[1].Event)
	assert.Equal(t, "first line\nsecond line", got[1].Data)
	assert.Equal(t, "manifest", got[2].Event)
}

func TestDispatchDecodesEvents(t *testing.T) {
	s := NewSession(testChannelConfig(), newTestClient(), "http://unused", testIdentity(), nil, discardLogger())

	s.dispatch(sseEvent{Event: "command", Data: `{"command":"pause"}`})
	s.dispatch(sseEvent{Event: "manifest", Data: `{"version":7}`})
	s.dispatch(sseEvent{Event: "blocked", Data: `{"reason":"maintenance"}`})
	s.dispatch(sseEvent{Event: "unblocked", Data: `{}`})

	ev := <-s.Events()
	assert.Equal(t, EventCommand, ev.Type)
	assert.Equal(t, models.CommandPause, ev.Command)

	ev = <-s.Events()
	assert.Equal(t, EventManifestChanged, ev.Type)
	assert.Equal(t, int64(7), ev.ManifestVersion)

	ev = <-s.Events()
	assert.Equal(t, EventBlocked, ev.Type)
	assert.Equal(t, "maintenance", ev.Reason)

	ev = <-s.Events()
	assert.Equal(t, EventUnblocked, ev.Type)
}

func TestDispatchDropsInvalidCommand(t *testing.T) {
	s := NewSession(testChannelConfig(), newTestClient(), "http://unused", testIdentity(), nil, discardLogger())

	s.dispatch(sseEvent{Event: "command", Data: `{"command":"self-destruct"}`})
	s.dispatch(sseEvent{Event: "command", Data: `not json`})

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event delivered: %+v", ev)
	default:
	}
}

func TestDispatchLegacyActionField(t *testing.T) {
	s := NewSession(testChannelConfig(), newTestClient(), "http://unused", testIdentity(), nil, discardLogger())

	// Older servers send frames without an event name and an "action" key.
	s.dispatch(sseEvent{Data: `{"action":"restart"}`})

	ev := <-s.Events()
	assert.Equal(t, EventCommand, ev.Type)
	assert.Equal(t, models.CommandRestart, ev.Command)
}

func TestTelemetryQueueDropsOldestWhenFull(t *testing.T) {
	q := newTelemetryQueue(2)

	q.push(telemetryItem{kind: telemetryPlayback, playback: models.PlaybackEvent{ItemID: "a"}})
	q.push(telemetryItem{kind: telemetryPlayback, playback: models.PlaybackEvent{ItemID: "b"}})
	q.push(telemetryItem{kind: telemetryPlayback, playback: models.PlaybackEvent{ItemID: "c"}})

	require.Equal(t, 2, q.len())

	item, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "b", item.playback.ItemID)

	item, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, "c", item.playback.ItemID)
}

func TestTelemetryQueuePushFrontPreservesOrder(t *testing.T) {
	q := newTelemetryQueue(4)

	q.push(telemetryItem{kind: telemetryPlayback, playback: models.PlaybackEvent{ItemID: "b"}})
	q.pushFront(telemetryItem{kind: telemetryPlayback, playback: models.PlaybackEvent{ItemID: "a"}})

	item, _ := q.pop()
	assert.Equal(t, "a", item.playback.ItemID)
	item, _ = q.pop()
	assert.Equal(t, "b", item.playback.ItemID)
}

func TestSessionStreamAndHeartbeat(t *testing.T) {
	var heartbeats atomic.Int32
	var gotHeartbeat atomic.Value

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices/dev-1/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, "event: command\ndata: {\"command\":\"next\"}\n\n")
		flusher.Flush()

		<-r.Context().Done()
	})
	mux.HandleFunc("POST /api/devices/dev-1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var hb models.Heartbeat
		require.NoError(t, json.NewDecoder(r.Body).Decode(&hb))
		gotHeartbeat.Store(hb)
		heartbeats.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.AuthToken = "tok-1"
	cfg.Logger = discardLogger()
	client := httpclient.New(cfg)

	s := NewSession(testChannelConfig(), client, srv.URL, testIdentity(), fixedStatus{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case ev := <-s.Events():
		assert.Equal(t, EventCommand, ev.Type)
		assert.Equal(t, models.CommandNext, ev.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server event")
	}

	require.Eventually(t, func() bool { return heartbeats.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	hb := gotHeartbeat.Load().(models.Heartbeat)
	assert.Equal(t, "dev-1", hb.DeviceID)
	assert.True(t, hb.Online)
	assert.Equal(t, "item-5", hb.CurrentItemID)
	assert.Equal(t, int64(9), hb.ManifestVersion)

	assert.Equal(t, StateConnected, s.State())
	assert.False(t, s.LastHeartbeat().IsZero())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionDeliversTelemetry(t *testing.T) {
	var playbacks atomic.Int32
	var errs atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices/dev-1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("POST /api/devices/dev-1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/devices/dev-1/playback", func(w http.ResponseWriter, r *http.Request) {
		playbacks.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/devices/dev-1/errors", func(w http.ResponseWriter, r *http.Request) {
		errs.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewSession(testChannelConfig(), newTestClient(), srv.URL, testIdentity(), nil, discardLogger())

	// Queued before the session is even running; delivered once connected.
	item := models.PlaylistItem{ID: "item-1", Kind: models.MediaKindVideo}
	s.PublishPlayback(models.NewPlaybackEvent(item, models.PlaybackActionStart))
	s.PublishError(models.NewErrorReport("item-1", "load failed"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		return playbacks.Load() == 1 && errs.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionReconnectsAfterStreamDrop(t *testing.T) {
	var connects atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices/dev-1/events", func(w http.ResponseWriter, r *http.Request) {
		n := connects.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		if n == 1 {
			return // drop immediately, forcing a reconnect
		}
		<-r.Context().Done()
	})
	mux.HandleFunc("POST /api/devices/dev-1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewSession(testChannelConfig(), newTestClient(), srv.URL, testIdentity(), nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return connects.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	// Reconnecting nudges the consumer into a manifest resync because pushes
	// may have been missed while offline.
	select {
	case ev := <-s.Events():
		assert.Equal(t, EventManifestChanged, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resync nudge")
	}
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unhealthy", StateUnhealthy.String())
}
