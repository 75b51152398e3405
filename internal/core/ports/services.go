package ports

import (
	"context"

	"novalink/internal/core/domain"
)

// SessionService is the user-facing surface of the orchestration core. All
// methods are safe for concurrent use; mutations are serialized through the
// session event loop.
type SessionService interface {
	// Run drives the event loop until ctx is cancelled or a forced logout
	// arrives. Blocking; call it from a dedicated goroutine.
	Run(ctx context.Context) error

	// Start acquires media, connects signaling, and joins the queue.
	Start() error

	// Skip abandons the current partner and immediately re-queues. Local
	// media stays captured.
	Skip() error

	// Disconnect leaves the queue or session and releases media.
	Disconnect() error

	// SetMediaEnabled toggles a local track kind, live or not.
	SetMediaEnabled(kind domain.MediaKind, enabled bool) error

	// SendChat sends one text message to the current partner.
	SendChat(text string) error

	// Snapshot returns the current observable session view.
	Snapshot() domain.Snapshot

	// ChatLog returns the transcript of the current (or most recent) match.
	ChatLog() []domain.ChatMessage
}

// MetricsSink records session activity counters. Implementations must be
// safe for concurrent use.
type MetricsSink interface {
	RecordMatch(role domain.Role)
	RecordSkip()
	RecordPartnerLeft()
	RecordICERestart()
	RecordUnrecoverable()
	RecordChannelReconnect()
	RecordConnectionDuration(seconds float64)
	SetPresenceCount(count int)
	SetSessionState(state domain.SessionState)
}
