// Package surface provides the production MediaSurface implementations: an
// exec surface that drives an external fullscreen player (mpv, ffplay, or
// whatever the box ships with), and a logging surface for headless runs.
package surface

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"tvboxd/internal/models"
	"tvboxd/internal/player"
	"tvboxd/internal/util"
)

// filePlaceholder in the player command is replaced with the media path.
const filePlaceholder = "{file}"

// playerBinaryEnv overrides where the player binary is found.
const playerBinaryEnv = "TVBOXD_PLAYER_BIN"

// ExecSurface renders media by spawning an external player process per item.
// Videos end when the process exits; images are displayed until the
// scheduler's timer stops the handle.
type ExecSurface struct {
	command []string
	logger  *slog.Logger
}

// NewExecSurface creates an ExecSurface from a command line such as
// "mpv --fullscreen --no-terminal {file}".
func NewExecSurface(commandLine string, logger *slog.Logger) (*ExecSurface, error) {
	parts := strings.Fields(commandLine)
	if len(parts) == 0 {
		return nil, fmt.Errorf("player command is empty")
	}

	hasPlaceholder := false
	for _, p := range parts {
		if strings.Contains(p, filePlaceholder) {
			hasPlaceholder = true
			break
		}
	}
	if !hasPlaceholder {
		parts = append(parts, filePlaceholder)
	}

	// Resolve bare binary names up front so a misconfigured player shows up
	// in the logs at startup, not on the first Play. Unresolvable names are
	// kept as-is and fail when the process starts.
	if !strings.ContainsRune(parts[0], '/') {
		if path, err := util.FindBinary(parts[0], playerBinaryEnv); err == nil {
			parts[0] = path
		} else {
			logger.Warn("player binary not found, playback will fail until it appears",
				slog.String("binary", parts[0]))
		}
	}

	return &ExecSurface{
		command: parts,
		logger:  logger.With(slog.String("component", "surface")),
	}, nil
}

// Prepare builds a handle for the item. The player process starts on Play.
func (s *ExecSurface) Prepare(ctx context.Context, item models.PlaylistItem, blobPath string, events player.MediaEvents) (player.MediaHandle, error) {
	args := make([]string, 0, len(s.command))
	for _, part := range s.command {
		args = append(args, strings.ReplaceAll(part, filePlaceholder, blobPath))
	}

	h := &execHandle{
		ctx:    ctx,
		item:   item,
		args:   args,
		events: events,
		logger: s.logger,
	}

	// External players decode on start; the media is ready as soon as the
	// file is on disk.
	go events.OnReady()
	return h, nil
}

type execHandle struct {
	ctx    context.Context
	item   models.PlaylistItem
	args   []string
	events player.MediaEvents
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool
	done    bool
}

// Play starts (or resumes) the player process.
func (h *execHandle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil
	}

	if h.cmd != nil {
		// Resume a paused process.
		return h.cmd.Process.Signal(syscall.SIGCONT)
	}

	cmd := exec.CommandContext(h.ctx, h.args[0], h.args[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting player process: %w", err)
	}
	h.cmd = cmd

	h.logger.Debug("player process started",
		slog.String("content_id", h.item.ID),
		slog.Int("pid", cmd.Process.Pid),
	)

	go h.wait(cmd)
	return nil
}

// wait watches the process and reports its natural end or failure.
func (h *execHandle) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	h.mu.Lock()
	if h.stopped || h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	isVideo := h.item.Kind == models.MediaKindVideo
	h.mu.Unlock()

	switch {
	case err != nil:
		h.events.OnError(fmt.Errorf("player process failed: %w", err))
	case isVideo:
		h.events.OnEnded()
	default:
		// An image viewer exiting early is a failure; images are meant to
		// stay up until the scheduler stops them.
		h.events.OnError(fmt.Errorf("image viewer exited before display time elapsed"))
	}
}

// Pause suspends the player process.
func (h *execHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd == nil || h.stopped || h.done {
		return nil
	}
	return h.cmd.Process.Signal(syscall.SIGSTOP)
}

// Stop terminates the player process. No callbacks fire after Stop.
func (h *execHandle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	cmd := h.cmd
	h.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	// Ask nicely first; the context cancellation backs this up with a kill.
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return nil // already gone
	}

	select {
	case <-time.After(3 * time.Second):
		_ = cmd.Process.Kill()
	case <-processExited(cmd):
	}
	return nil
}

func processExited(cmd *exec.Cmd) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for cmd.ProcessState == nil {
			time.Sleep(50 * time.Millisecond)
		}
		close(ch)
	}()
	return ch
}

// LogSurface is a headless surface for development and dry runs: it logs
// lifecycle edges instead of rendering. Videos "end" after their display
// seconds (or a default) since there is no real decoder to wait on.
type LogSurface struct {
	logger *slog.Logger

	// VideoDuration substitutes for a real video length. Zero means 10s.
	VideoDuration time.Duration
}

// NewLogSurface creates a LogSurface.
func NewLogSurface(logger *slog.Logger) *LogSurface {
	return &LogSurface{logger: logger.With(slog.String("component", "surface"))}
}

// Prepare returns a handle that logs transitions.
func (s *LogSurface) Prepare(ctx context.Context, item models.PlaylistItem, blobPath string, events player.MediaEvents) (player.MediaHandle, error) {
	h := &logHandle{
		item:   item,
		path:   blobPath,
		events: events,
		logger: s.logger,
		videoD: s.VideoDuration,
	}
	go events.OnReady()
	return h, nil
}

type logHandle struct {
	item   models.PlaylistItem
	path   string
	events player.MediaEvents
	logger *slog.Logger
	videoD time.Duration

	mu      sync.Mutex
	stopped bool
	timer   *time.Timer
}

func (h *logHandle) Play() error {
	h.logger.Info("playing",
		slog.String("content_id", h.item.ID),
		slog.String("kind", string(h.item.Kind)),
		slog.String("path", h.path),
	)

	if h.item.Kind != models.MediaKindVideo {
		return nil
	}

	d := h.videoD
	if d <= 0 {
		d = 10 * time.Second
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer == nil && !h.stopped {
		h.timer = time.AfterFunc(d, func() {
			h.mu.Lock()
			stopped := h.stopped
			h.mu.Unlock()
			if !stopped {
				h.events.OnEnded()
			}
		})
	}
	return nil
}

func (h *logHandle) Pause() error {
	h.logger.Info("paused", slog.String("content_id", h.item.ID))
	return nil
}

func (h *logHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
	return nil
}
