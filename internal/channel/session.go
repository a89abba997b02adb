// Package channel maintains the device's live connection to the signage
// server. Downstream it consumes a server-sent event stream carrying remote
// commands and manifest-change notices; upstream it posts heartbeats and
// playback telemetry. The session reconnects forever with capped exponential
// backoff, so a box that loses its network keeps playing from cache and
// quietly rejoins when the server comes back.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"tvboxd/internal/config"
	"tvboxd/internal/httpclient"
	"tvboxd/internal/models"
)

// SessionState describes the session's connection health.
type SessionState int

const (
	// StateDisconnected means no connection attempt is in flight.
	StateDisconnected SessionState = iota
	// StateConnecting means a connection attempt is in progress.
	StateConnecting
	// StateConnected means the event stream is live.
	StateConnected
	// StateUnhealthy means the stream is up but heartbeats keep failing.
	StateUnhealthy
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// EventType classifies a server event delivered to the player.
type EventType string

const (
	// EventCommand carries a remote playback command.
	EventCommand EventType = "command"
	// EventManifestChanged tells the box to resync its manifest.
	EventManifestChanged EventType = "manifest"
	// EventBlocked tells the box playback has been suspended.
	EventBlocked EventType = "blocked"
	// EventUnblocked lifts a previous suspension.
	EventUnblocked EventType = "unblocked"
)

// ServerEvent is a decoded downstream event.
type ServerEvent struct {
	Type            EventType
	Command         models.RemoteCommand
	Reason          string
	ManifestVersion int64
}

// StatusSource reports the player's current position for heartbeats.
type StatusSource interface {
	PlaybackStatus() (currentItemID string, manifestVersion int64)
}

// maxConsecutiveHeartbeatFailures flips the session to Unhealthy and drops
// the stream so a full reconnect can re-establish server state.
const maxConsecutiveHeartbeatFailures = 3

// Session is the device's live channel to the server.
type Session struct {
	cfg     config.ChannelConfig
	client  *httpclient.Client
	logger  *slog.Logger
	baseURL string
	ident   *models.DeviceIdentity
	status  StatusSource
	stats   StatsCollector

	events    chan ServerEvent
	telemetry *telemetryQueue

	mu            sync.RWMutex
	state         SessionState
	lastBeat      time.Time
	connected     time.Time
	everConnected bool
}

// NewSession creates a Session for the registered device.
func NewSession(cfg config.ChannelConfig, client *httpclient.Client, baseURL string, ident *models.DeviceIdentity, status StatusSource, logger *slog.Logger) *Session {
	return &Session{
		cfg:       cfg,
		client:    client,
		logger:    logger.With(slog.String("component", "channel"), slog.String("device_id", ident.DeviceID)),
		baseURL:   baseURL,
		ident:     ident,
		status:    status,
		stats:     systemStats,
		events:    make(chan ServerEvent, 16),
		telemetry: newTelemetryQueue(cfg.TelemetryBuffer),
	}
}

// Events returns the channel on which decoded server events are delivered.
func (s *Session) Events() <-chan ServerEvent {
	return s.events
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastHeartbeat returns the time of the last accepted heartbeat.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBeat
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	if state == StateConnected && prev != StateConnected {
		s.connected = time.Now()
	}
	s.mu.Unlock()

	if prev != state {
		s.logger.Info("session state changed",
			slog.String("from", prev.String()),
			slog.String("to", state.String()),
		)
	}
}

// Run maintains the connection until ctx is cancelled. Each pass connects
// the event stream, runs the heartbeat and telemetry loops alongside it,
// and backs off exponentially between failed attempts.
func (s *Session) Run(ctx context.Context) {
	delay := s.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return
		default:
		}

		s.setState(StateConnecting)

		start := time.Now()
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		// A connection that lived a while earns a fresh backoff.
		if time.Since(start) > s.cfg.ReconnectMaxDelay {
			delay = s.cfg.ReconnectDelay
		}

		s.setState(StateDisconnected)
		s.logger.Warn("event stream lost, reconnecting",
			slog.Duration("delay", delay),
			slog.String("error", errString(err)),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.cfg.ReconnectMaxDelay {
			delay = s.cfg.ReconnectMaxDelay
		}
	}
}

// connectOnce opens the event stream and services it until it drops.
func (s *Session) connectOnce(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/devices/%s/events", s.baseURL, s.ident.DeviceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("event stream rejected with status %d: %w", resp.StatusCode, models.ErrAuth)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("event stream failed with status %d", resp.StatusCode)
	}

	s.setState(StateConnected)

	// Coming back online after a drop means pushes may have been missed, so
	// nudge the consumer into a manifest resync.
	s.mu.Lock()
	reconnected := s.everConnected
	s.everConnected = true
	s.mu.Unlock()
	if reconnected {
		select {
		case s.events <- ServerEvent{Type: EventManifestChanged}:
		default:
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(streamCtx, cancel)
	}()
	go func() {
		defer wg.Done()
		s.telemetryLoop(streamCtx)
	}()

	err = readSSE(streamCtx, resp.Body, s.dispatch)
	cancel()
	wg.Wait()
	return err
}

// dispatch decodes one SSE frame into a ServerEvent and delivers it.
func (s *Session) dispatch(ev sseEvent) {
	var out ServerEvent

	switch EventType(ev.Event) {
	case EventCommand, "":
		var payload struct {
			Command string `json:"command"`
			Action  string `json:"action"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			s.logger.Warn("discarding undecodable command event", slog.String("error", err.Error()))
			return
		}
		cmd := models.RemoteCommand(payload.Command)
		if cmd == "" {
			cmd = models.RemoteCommand(payload.Action)
		}
		if !cmd.Valid() {
			s.logger.Warn("discarding unknown remote command", slog.String("command", string(cmd)))
			return
		}
		out = ServerEvent{Type: EventCommand, Command: cmd}

	case EventManifestChanged:
		var payload struct {
			Version int64 `json:"version"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &payload)
		out = ServerEvent{Type: EventManifestChanged, ManifestVersion: payload.Version}

	case EventBlocked:
		var payload struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &payload)
		out = ServerEvent{Type: EventBlocked, Reason: payload.Reason}

	case EventUnblocked:
		out = ServerEvent{Type: EventUnblocked}

	case "heartbeat_ack":
		s.mu.Lock()
		s.lastBeat = time.Now()
		s.mu.Unlock()
		return

	default:
		s.logger.Debug("ignoring unknown event type", slog.String("event", ev.Event))
		return
	}

	select {
	case s.events <- out:
	default:
		s.logger.Warn("event channel full, dropping server event",
			slog.String("type", string(out.Type)),
		)
	}
}

// heartbeatLoop posts heartbeats at the configured interval. After three
// consecutive failures it cancels the stream so Run reconnects from scratch.
func (s *Session) heartbeatLoop(ctx context.Context, cancelStream context.CancelFunc) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	// Send one immediately so the server marks the device online.
	if err := s.sendHeartbeat(ctx); err != nil {
		consecutiveFailures++
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sendHeartbeat(ctx); err != nil {
				consecutiveFailures++
				s.logger.Warn("heartbeat failed",
					slog.Int("consecutive_failures", consecutiveFailures),
					slog.String("error", err.Error()),
				)
				if consecutiveFailures >= maxConsecutiveHeartbeatFailures {
					s.setState(StateUnhealthy)
					s.logger.Error("too many heartbeat failures, dropping stream")
					cancelStream()
					return
				}
				continue
			}
			consecutiveFailures = 0
		}
	}
}

func (s *Session) sendHeartbeat(ctx context.Context) error {
	hb := models.Heartbeat{
		DeviceID:  s.ident.DeviceID,
		Online:    true,
		Timestamp: time.Now().UTC(),
	}
	if s.status != nil {
		hb.CurrentItemID, hb.ManifestVersion = s.status.PlaybackStatus()
	}
	if s.stats != nil {
		s.stats(&hb)
	}

	url := fmt.Sprintf("%s/api/devices/%s/heartbeat", s.baseURL, s.ident.DeviceID)
	if err := s.postJSON(ctx, url, hb); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastBeat = time.Now()
	s.mu.Unlock()
	return nil
}

// PublishPlayback queues a playback event for delivery. When the queue is
// full the oldest entry is dropped.
func (s *Session) PublishPlayback(ev models.PlaybackEvent) {
	s.telemetry.push(telemetryItem{kind: telemetryPlayback, playback: ev})
}

// PublishError queues an error report for delivery.
func (s *Session) PublishError(report models.ErrorReport) {
	s.telemetry.push(telemetryItem{kind: telemetryError, errReport: report})
}

// telemetryLoop drains queued telemetry while the stream is up.
func (s *Session) telemetryLoop(ctx context.Context) {
	for {
		item, ok := s.telemetry.wait(ctx)
		if !ok {
			return
		}

		var err error
		switch item.kind {
		case telemetryPlayback:
			url := fmt.Sprintf("%s/api/devices/%s/playback", s.baseURL, s.ident.DeviceID)
			err = s.postJSON(ctx, url, item.playback)
		case telemetryError:
			url := fmt.Sprintf("%s/api/devices/%s/errors", s.baseURL, s.ident.DeviceID)
			err = s.postJSON(ctx, url, item.errReport)
		}

		if err != nil {
			// Requeue at the front so ordering survives a transient failure.
			s.telemetry.pushFront(item)
			s.logger.Warn("telemetry delivery failed, requeued",
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *Session) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
