package player

import (
	"context"

	"tvboxd/internal/models"
)

// MediaEvents carries the lifecycle callbacks a MediaHandle fires back into
// the scheduler. Each callback fires at most once per handle.
type MediaEvents struct {
	// OnReady fires when the media is decoded and ready to display.
	OnReady func()

	// OnEnded fires when a video reaches its natural end. Never fires for
	// images; image advance is timer-driven.
	OnEnded func()

	// OnError fires when decoding or rendering fails.
	OnError func(err error)
}

// MediaSurface is the render collaborator. Implementations wrap whatever
// actually puts pixels on the screen; the scheduler only ever talks to this
// interface.
type MediaSurface interface {
	// Prepare loads the media at blobPath for the given item and begins
	// decoding. Lifecycle progress is reported through events.
	Prepare(ctx context.Context, item models.PlaylistItem, blobPath string, events MediaEvents) (MediaHandle, error)
}

// MediaHandle controls one prepared piece of media.
type MediaHandle interface {
	// Play starts or resumes display. Returns models.ErrAutoplayBlocked
	// when the platform refuses to start media without user interaction.
	Play() error

	// Pause suspends a playing video. Images ignore pause.
	Pause() error

	// Stop tears the media down. Safe to call more than once; no
	// lifecycle callbacks fire after Stop returns.
	Stop() error
}

// TelemetryPublisher receives playback events and error reports. Delivery is
// best-effort; the scheduler never blocks on it.
type TelemetryPublisher interface {
	PublishPlayback(ev models.PlaybackEvent)
	PublishError(report models.ErrorReport)
}

// PowerHandler is invoked when the server pushes a power command. The core
// only acknowledges and delegates; it never shuts the host down itself.
type PowerHandler func(ctx context.Context)
