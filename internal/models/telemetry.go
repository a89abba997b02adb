package models

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// RemoteCommand is an imperative command pushed to the device over the
// live update channel.
type RemoteCommand string

const (
	CommandPlay     RemoteCommand = "play"
	CommandPause    RemoteCommand = "pause"
	CommandNext     RemoteCommand = "next"
	CommandPrevious RemoteCommand = "previous"
	CommandRestart  RemoteCommand = "restart"
	CommandPower    RemoteCommand = "power"
)

// Valid reports whether the command is one the scheduler understands.
func (c RemoteCommand) Valid() bool {
	switch c {
	case CommandPlay, CommandPause, CommandNext, CommandPrevious, CommandRestart, CommandPower:
		return true
	}
	return false
}

// PlaybackAction marks the lifecycle edge a playback event reports.
type PlaybackAction string

const (
	PlaybackActionStart PlaybackAction = "start"
	PlaybackActionEnd   PlaybackAction = "end"
)

// Heartbeat is the periodic device status report sent upstream.
type Heartbeat struct {
	DeviceID        string    `json:"device_id"`
	CurrentItemID   string    `json:"current_item_id,omitempty"`
	ManifestVersion int64     `json:"manifest_version"`
	Online          bool      `json:"online"`
	Timestamp       time.Time `json:"timestamp"`

	// System stats give the admin console a rough health picture.
	UptimeSeconds uint64  `json:"uptime_seconds,omitempty"`
	Load1         float64 `json:"load1,omitempty"`
	MemUsedPct    float64 `json:"mem_used_pct,omitempty"`
}

// PlaybackEvent reports an item starting or ending.
type PlaybackEvent struct {
	EventID   string         `json:"event_id"`
	ItemID    string         `json:"item_id"`
	Kind      MediaKind      `json:"kind"`
	Action    PlaybackAction `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewPlaybackEvent builds a playback event with a fresh ULID.
func NewPlaybackEvent(item PlaylistItem, action PlaybackAction) PlaybackEvent {
	return PlaybackEvent{
		EventID:   newEventID(),
		ItemID:    item.ID,
		Kind:      item.Kind,
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
}

// ErrorReport reports a playback or integrity failure upstream.
type ErrorReport struct {
	EventID   string    `json:"event_id"`
	ItemID    string    `json:"item_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewErrorReport builds an error report with a fresh ULID.
func NewErrorReport(itemID, message string) ErrorReport {
	return ErrorReport{
		EventID:   newEventID(),
		ItemID:    itemID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

func newEventID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
