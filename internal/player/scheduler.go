// Package player implements the playback scheduler: a single-goroutine
// event loop that walks the manifest in sequence order, resolves each item
// through the media cache, and drives the render surface. Every input —
// timers, media lifecycle callbacks, remote commands, manifest updates,
// user interaction — arrives as an event on one channel and is processed
// strictly in arrival order, so cursor and manifest state are never touched
// concurrently.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tvboxd/internal/config"
	"tvboxd/internal/models"
)

// State is the scheduler's top-level state.
type State int

const (
	// StateIdle means no manifest has been applied yet.
	StateIdle State = iota
	// StateLoading means the current item's media is being resolved.
	StateLoading
	// StatePlaying means an item is on screen.
	StatePlaying
	// StateAdvancing means the scheduler is between items, typically
	// waiting out the error-skip delay.
	StateAdvancing
	// StateEmpty means the manifest has no items; the scheduler polls for
	// a fresh one.
	StateEmpty
	// StateBlocked means the device is administratively blocked. No media
	// is fetched or played until an explicit unblock.
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StateAdvancing:
		return "advancing"
	case StateEmpty:
		return "empty"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of the scheduler for diagnostics.
type Snapshot struct {
	State            State  `json:"-"`
	StateName        string `json:"state"`
	Index            int    `json:"index"`
	CurrentItemID    string `json:"current_item_id,omitempty"`
	ManifestVersion  int64  `json:"manifest_version"`
	ItemCount        int    `json:"item_count"`
	Paused           bool   `json:"paused"`
	NeedsInteraction bool   `json:"needs_interaction"`
	BlockedReason    string `json:"blocked_reason,omitempty"`
}

// ResyncFunc refreshes the manifest from the server. Used while Empty.
type ResyncFunc func(ctx context.Context) (*models.Manifest, error)

type eventKind int

const (
	evManifest eventKind = iota
	evCommand
	evBlocked
	evUnblocked
	evInteraction
	evResolved
	evMediaReady
	evMediaEnded
	evMediaError
	evImageTimer
	evSkipTimer
	evResyncTimer
)

type event struct {
	kind     eventKind
	gen      uint64
	manifest *models.Manifest
	command  models.RemoteCommand
	reason   string
	path     string
	err      error
}

// Scheduler walks the playlist and drives the media surface.
type Scheduler struct {
	cfg       config.PlaybackConfig
	surface   MediaSurface
	resolver  MediaResolver
	telemetry TelemetryPublisher
	resync    ResyncFunc
	onPower   PowerHandler
	logger    *slog.Logger

	events chan event

	// tick is the wall-clock length of one display second. Tests shrink it.
	tick time.Duration

	// Loop-owned state. Only the Run goroutine touches these.
	runCtx           context.Context
	state            State
	manifest         *models.Manifest
	index            int
	current          *models.PlaylistItem
	handle           MediaHandle
	gen              uint64
	paused           bool
	needsInteraction bool
	blockedReason    string
	preloadCancel    context.CancelFunc

	mu   sync.RWMutex
	snap Snapshot
}

// New creates a Scheduler. telemetry, resync, and onPower may be nil.
func New(cfg config.PlaybackConfig, surface MediaSurface, resolver MediaResolver, telemetry TelemetryPublisher, resync ResyncFunc, onPower PowerHandler, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		surface:   surface,
		resolver:  resolver,
		telemetry: telemetry,
		resync:    resync,
		onPower:   onPower,
		logger:    logger.With(slog.String("component", "player")),
		events:    make(chan event, 64),
		tick:      time.Second,
		state:     StateIdle,
	}
}

// SetTelemetry installs the telemetry publisher. The publisher and the
// scheduler reference each other, so one of them is wired up after
// construction. Must be called before Run.
func (s *Scheduler) SetTelemetry(t TelemetryPublisher) {
	s.telemetry = t
}

// ApplyManifest delivers a new manifest snapshot to the scheduler.
func (s *Scheduler) ApplyManifest(m *models.Manifest) {
	s.events <- event{kind: evManifest, manifest: m}
}

// Command delivers a remote command.
func (s *Scheduler) Command(cmd models.RemoteCommand) {
	s.events <- event{kind: evCommand, command: cmd}
}

// SetBlocked puts the scheduler into the blocked state.
func (s *Scheduler) SetBlocked(reason string) {
	s.events <- event{kind: evBlocked, reason: reason}
}

// SetUnblocked lifts an administrative block.
func (s *Scheduler) SetUnblocked() {
	s.events <- event{kind: evUnblocked}
}

// UserInteraction reports a click/touch, retrying playback when the
// platform blocked autoplay.
func (s *Scheduler) UserInteraction() {
	s.events <- event{kind: evInteraction}
}

// Snapshot returns the current diagnostic view.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// PlaybackStatus reports the current item and manifest version for
// heartbeats.
func (s *Scheduler) PlaybackStatus() (string, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.CurrentItemID, s.snap.ManifestVersion
}

// Run processes events until ctx is cancelled. It must be called exactly
// once; all state transitions happen on this goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.runCtx = ctx
	s.publishSnapshot()

	for {
		select {
		case <-ctx.Done():
			s.stopMedia()
			s.cancelPreload()
			return
		case ev := <-s.events:
			s.handleEvent(ev)
			s.publishSnapshot()
		}
	}
}

func (s *Scheduler) handleEvent(ev event) {
	// A block overrides everything, from any state.
	if ev.kind == evBlocked {
		s.enterBlocked(ev.reason)
		return
	}

	if s.state == StateBlocked {
		switch ev.kind {
		case evUnblocked:
			s.blockedReason = ""
			s.logger.Info("device unblocked, resuming playback")
			s.resumeFromManifest()
		case evManifest:
			// Remember the snapshot for when the block lifts.
			s.manifest = ev.manifest
		default:
			s.logger.Debug("ignoring event while blocked", slog.Int("kind", int(ev.kind)))
		}
		return
	}

	switch ev.kind {
	case evManifest:
		s.applyManifest(ev.manifest)

	case evCommand:
		s.applyCommand(ev.command)

	case evUnblocked:
		// Not blocked; nothing to lift.

	case evInteraction:
		if s.needsInteraction && s.handle != nil {
			s.logger.Info("user interaction received, retrying playback")
			s.tryPlay()
		}

	case evResolved:
		if ev.gen != s.gen || s.state != StateLoading {
			return // stale resolution for an abandoned item
		}
		if ev.err != nil {
			s.failCurrent(ev.err)
			return
		}
		s.prepareMedia(ev.path)

	case evMediaReady:
		if ev.gen != s.gen || s.state != StateLoading {
			return
		}
		s.startPlaying()

	case evMediaEnded:
		if ev.gen != s.gen || s.state != StatePlaying {
			return
		}
		s.publishPlayback(models.PlaybackActionEnd)
		s.advance(1)

	case evMediaError:
		if ev.gen != s.gen {
			return
		}
		s.reportError(fmt.Sprintf("media playback failed: %v", ev.err))
		s.advance(1)

	case evImageTimer:
		if ev.gen != s.gen || s.state != StatePlaying {
			return
		}
		s.publishPlayback(models.PlaybackActionEnd)
		s.advance(1)

	case evSkipTimer:
		if ev.gen != s.gen || s.state != StateAdvancing {
			return
		}
		s.advance(1)

	case evResyncTimer:
		if ev.gen != s.gen || s.state != StateEmpty {
			return
		}
		s.pollResync()
	}
}

// applyManifest commits a new snapshot. The cursor is preserved where the
// new list allows, clamped otherwise; position only hard-resets when the
// list empties.
func (s *Scheduler) applyManifest(m *models.Manifest) {
	s.manifest = m

	if m.IsEmpty() {
		s.logger.Info("manifest is empty, entering poll state",
			slog.Int64("version", m.Version))
		s.enterEmpty()
		return
	}

	idx := m.Clamp(s.index)
	s.logger.Info("manifest applied",
		slog.Int64("version", m.Version),
		slog.Int("items", m.ItemCount()),
		slog.Int("index", idx),
	)
	s.enterLoading(idx)
}

func (s *Scheduler) applyCommand(cmd models.RemoteCommand) {
	n := s.manifest.ItemCount()

	switch cmd {
	case models.CommandNext:
		if n == 0 {
			return
		}
		s.enterLoading((s.index + 1) % n)

	case models.CommandPrevious:
		if n == 0 {
			return
		}
		s.enterLoading((s.index - 1 + n) % n)

	case models.CommandRestart:
		if n == 0 {
			return
		}
		s.enterLoading(0)

	case models.CommandPause:
		// Pause applies to video only; an image just keeps its timer.
		if s.state == StatePlaying && s.current != nil && s.current.Kind == models.MediaKindVideo && s.handle != nil && !s.paused {
			if err := s.handle.Pause(); err != nil {
				s.logger.Warn("pause failed", slog.String("error", err.Error()))
				return
			}
			s.paused = true
		}

	case models.CommandPlay:
		if s.handle != nil && (s.paused || s.needsInteraction) {
			s.tryPlay()
		}

	case models.CommandPower:
		s.logger.Info("power command received")
		if s.onPower != nil {
			go s.onPower(s.runCtx)
		}

	default:
		s.logger.Warn("ignoring unknown command", slog.String("command", string(cmd)))
	}
}

// enterLoading moves the cursor to idx and starts resolving its media.
func (s *Scheduler) enterLoading(idx int) {
	s.stopMedia()
	s.cancelPreload()

	s.gen++
	s.index = idx
	item := s.manifest.Item(idx)
	s.current = &item
	s.state = StateLoading
	s.paused = false
	s.needsInteraction = false

	s.logger.Debug("loading item",
		slog.Int("index", idx),
		slog.String("content_id", item.ID),
		slog.String("kind", string(item.Kind)),
	)

	gen := s.gen
	ctx := s.runCtx
	go func() {
		resolveCtx, cancel := context.WithTimeout(ctx, s.cfg.LoadTimeout)
		defer cancel()
		path, err := s.resolver.Resolve(resolveCtx, item)
		s.post(event{kind: evResolved, gen: gen, path: path, err: err})
	}()
}

// prepareMedia hands the resolved file to the surface. The item stays in
// Loading until the surface reports ready.
func (s *Scheduler) prepareMedia(path string) {
	gen := s.gen
	events := MediaEvents{
		OnReady: func() { s.post(event{kind: evMediaReady, gen: gen}) },
		OnEnded: func() { s.post(event{kind: evMediaEnded, gen: gen}) },
		OnError: func(err error) { s.post(event{kind: evMediaError, gen: gen, err: err}) },
	}

	handle, err := s.surface.Prepare(s.runCtx, *s.current, path, events)
	if err != nil {
		s.failCurrent(fmt.Errorf("preparing media: %w", err))
		return
	}
	s.handle = handle
}

// startPlaying transitions Loading -> Playing once the media is ready.
func (s *Scheduler) startPlaying() {
	s.state = StatePlaying
	if !s.tryPlay() {
		return // hard play failure already advanced the cursor
	}
	s.publishPlayback(models.PlaybackActionStart)

	if s.current.Kind == models.MediaKindImage {
		gen := s.gen
		duration := s.ResolveDisplayDuration(*s.current)
		time.AfterFunc(duration, func() {
			s.post(event{kind: evImageTimer, gen: gen})
		})
	}

	s.startPreload()
}

// tryPlay starts the handle, entering the needs-interaction sub-state when
// the platform refuses to autoplay. Timers keep running in that sub-state.
// Returns false when a hard failure made the scheduler advance past the
// item.
func (s *Scheduler) tryPlay() bool {
	err := s.handle.Play()
	switch {
	case err == nil:
		s.paused = false
		s.needsInteraction = false
	case errors.Is(err, models.ErrAutoplayBlocked):
		s.needsInteraction = true
		s.logger.Warn("autoplay blocked, waiting for user interaction",
			slog.String("content_id", s.current.ID))
	default:
		s.reportError(fmt.Sprintf("play failed: %v", err))
		s.advance(1)
		return false
	}
	return true
}

// failCurrent handles an unplayable item: report, then skip after a fixed
// delay so a broken playlist cannot hot-loop.
func (s *Scheduler) failCurrent(err error) {
	s.reportError(fmt.Sprintf("loading item failed: %v", err))
	s.stopMedia()
	s.state = StateAdvancing

	gen := s.gen
	time.AfterFunc(s.cfg.ErrorSkipDelay, func() {
		s.post(event{kind: evSkipTimer, gen: gen})
	})
}

// advance moves the cursor by delta with wraparound.
func (s *Scheduler) advance(delta int) {
	n := s.manifest.ItemCount()
	if n == 0 {
		s.enterEmpty()
		return
	}
	s.enterLoading(((s.index+delta)%n + n) % n)
}

// startPreload kicks off a best-effort cache fill for the next item.
func (s *Scheduler) startPreload() {
	if !s.cfg.Preload {
		return
	}
	n := s.manifest.ItemCount()
	if n < 2 {
		return
	}

	next := s.manifest.Item((s.index + 1) % n)
	ctx, cancel := context.WithCancel(s.runCtx)
	s.preloadCancel = cancel

	logger := s.logger
	resolver := s.resolver
	go func() {
		defer cancel()
		if _, err := resolver.Resolve(ctx, next); err != nil && ctx.Err() == nil {
			// Preload failures are silent; the direct load path will retry.
			logger.Debug("preload failed",
				slog.String("content_id", next.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (s *Scheduler) cancelPreload() {
	if s.preloadCancel != nil {
		s.preloadCancel()
		s.preloadCancel = nil
	}
}

func (s *Scheduler) enterEmpty() {
	s.stopMedia()
	s.cancelPreload()
	s.gen++
	s.state = StateEmpty
	s.current = nil

	s.scheduleResync()
}

func (s *Scheduler) scheduleResync() {
	if s.resync == nil {
		return
	}
	gen := s.gen
	time.AfterFunc(s.cfg.ResyncInterval, func() {
		s.post(event{kind: evResyncTimer, gen: gen})
	})
}

// pollResync refreshes the manifest while Empty. Failures reschedule.
func (s *Scheduler) pollResync() {
	ctx := s.runCtx
	resync := s.resync
	gen := s.gen
	logger := s.logger
	interval := s.cfg.ResyncInterval
	go func() {
		m, err := resync(ctx)
		if err != nil {
			logger.Debug("resync poll failed", slog.String("error", err.Error()))
			time.AfterFunc(interval, func() {
				s.post(event{kind: evResyncTimer, gen: gen})
			})
			return
		}
		s.post(event{kind: evManifest, manifest: m})
	}()
}

func (s *Scheduler) enterBlocked(reason string) {
	s.stopMedia()
	s.cancelPreload()
	s.gen++
	s.state = StateBlocked
	s.blockedReason = reason
	s.current = nil

	s.logger.Warn("device blocked", slog.String("reason", reason))
}

// resumeFromManifest re-enters playback after an unblock.
func (s *Scheduler) resumeFromManifest() {
	switch {
	case s.manifest.ItemCount() > 0:
		s.enterLoading(s.manifest.Clamp(s.index))
	case s.manifest != nil:
		s.enterEmpty()
	default:
		s.state = StateIdle
	}
}

// stopMedia tears down the current handle and invalidates its callbacks.
func (s *Scheduler) stopMedia() {
	if s.handle != nil {
		if err := s.handle.Stop(); err != nil {
			s.logger.Warn("stopping media failed", slog.String("error", err.Error()))
		}
		s.handle = nil
	}
	s.gen++
}

// ResolveDisplayDuration is the single source of truth for how long an item
// stays on screen. Images use their display seconds, falling back to a fixed
// default when missing or non-positive. Videos run to their natural end and
// return zero here.
func (s *Scheduler) ResolveDisplayDuration(item models.PlaylistItem) time.Duration {
	if item.Kind != models.MediaKindImage {
		return 0
	}
	secs := item.DisplaySeconds
	if secs <= 0 {
		secs = s.cfg.ImageFallbackSeconds
	}
	if secs <= 0 {
		secs = 10
	}
	return time.Duration(secs) * s.tick
}

func (s *Scheduler) publishPlayback(action models.PlaybackAction) {
	if s.telemetry == nil || s.current == nil {
		return
	}
	s.telemetry.PublishPlayback(models.NewPlaybackEvent(*s.current, action))
}

func (s *Scheduler) reportError(message string) {
	itemID := ""
	if s.current != nil {
		itemID = s.current.ID
	}
	s.logger.Error("playback error",
		slog.String("content_id", itemID),
		slog.String("message", message),
	)
	if s.telemetry != nil {
		s.telemetry.PublishError(models.NewErrorReport(itemID, message))
	}
}

func (s *Scheduler) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.runCtx.Done():
	}
}

func (s *Scheduler) publishSnapshot() {
	snap := Snapshot{
		State:            s.state,
		StateName:        s.state.String(),
		Index:            s.index,
		ManifestVersion:  0,
		ItemCount:        s.manifest.ItemCount(),
		Paused:           s.paused,
		NeedsInteraction: s.needsInteraction,
		BlockedReason:    s.blockedReason,
	}
	if s.manifest != nil {
		snap.ManifestVersion = s.manifest.Version
	}
	if s.current != nil {
		snap.CurrentItemID = s.current.ID
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}
