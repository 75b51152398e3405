package ports

import (
	"context"

	"github.com/pion/webrtc/v4"

	"novalink/internal/core/domain"
)

// MediaSource acquires local capture. Implementations walk a constraint
// ladder internally; callers see only the final handle or a terminal error.
type MediaSource interface {
	// Acquire obtains local audio and, when available, video. It fails only
	// after every fallback rung has been tried.
	Acquire(ctx context.Context) (MediaHandle, error)
}

// MediaHandle owns a set of live local tracks. A handle outlives peer links:
// the same tracks are re-attached across skips and re-matches until Release.
type MediaHandle interface {
	// Tracks returns the local tracks to attach to a peer link. Stable for
	// the lifetime of the handle.
	Tracks() []webrtc.TrackLocal

	// HasVideo reports whether the capture ladder ended with a video track.
	HasVideo() bool

	// SetEnabled toggles one track kind without tearing down capture.
	SetEnabled(kind domain.MediaKind, enabled bool) error

	// Enabled reports the current toggle state of one track kind.
	Enabled(kind domain.MediaKind) bool

	// Release stops capture and frees devices. Idempotent.
	Release() error

	// Alive reports whether the handle still owns live tracks.
	Alive() bool
}
