package models

import (
	"errors"
	"fmt"
)

// Common errors shared across the player components.
var (
	// ErrAuth indicates the device credential is invalid or expired.
	// Callers must re-run the registration flow rather than retry
	// indefinitely with the same credential.
	ErrAuth = errors.New("device credential rejected")

	// ErrNotRegistered indicates no persisted device identity exists yet.
	ErrNotRegistered = errors.New("device not registered")

	// ErrNotCached indicates the requested content is not in the media cache.
	ErrNotCached = errors.New("content not cached")

	// ErrNoManifest indicates no manifest is available from network or cache.
	ErrNoManifest = errors.New("no manifest available")

	// ErrAutoplayBlocked indicates the render surface refused to start
	// media without a user interaction.
	ErrAutoplayBlocked = errors.New("autoplay blocked, user interaction required")
)

// IntegrityError indicates cached or downloaded bytes do not match the
// digest the manifest declared for them. It is recoverable: the caller
// refetches from the source URL.
type IntegrityError struct {
	ContentID string
	Expected  string
	Actual    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s: expected digest %s, got %s", e.ContentID, e.Expected, e.Actual)
}

// IsIntegrityError reports whether err is an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// BlockedError indicates the server administratively blocked this device.
// Playback halts until the block is lifted; the process keeps running and
// the live channel stays connected awaiting the unblock.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	if e.Reason == "" {
		return "device is blocked"
	}
	return fmt.Sprintf("device is blocked: %s", e.Reason)
}

// IsBlocked reports whether err indicates an administrative block.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}
