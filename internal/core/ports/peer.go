package ports

import (
	"context"

	"novalink/internal/core/domain"
)

// NegotiatorSink receives everything a peer link emits. All methods must be
// cheap and non-blocking: implementations post into the session event loop.
type NegotiatorSink interface {
	// OnLocalSignal carries an offer, answer, or trickle candidate destined
	// for the partner via the signaling channel.
	OnLocalSignal(env domain.SignalEnvelope)

	// OnLinkState reports every transition of the underlying transport.
	OnLinkState(state domain.LinkState)

	// OnRemoteTrack fires once per inbound track kind.
	OnRemoteTrack(kind domain.MediaKind)

	// OnChatMessage delivers one partner text message.
	OnChatMessage(text string)
}

// PeerNegotiator drives one match cycle's peer link. A negotiator is single
// use: created on matched, closed on skip, partnerLeft, unrecoverable failure,
// or disconnect. Never reused across matches.
type PeerNegotiator interface {
	// Setup attaches local tracks and, for the initiator, creates and emits
	// the first offer. Must be called exactly once.
	Setup(ctx context.Context, media MediaHandle, initiator bool) error

	// ApplyRemoteOffer installs the partner's offer and emits an answer.
	ApplyRemoteOffer(ctx context.Context, desc domain.SessionDescription) error

	// ApplyRemoteAnswer installs the partner's answer to our offer.
	ApplyRemoteAnswer(ctx context.Context, desc domain.SessionDescription) error

	// ApplyRemoteCandidate adds one trickle candidate, buffering it if the
	// remote description is not yet set. Malformed candidates are dropped.
	ApplyRemoteCandidate(cand domain.ICECandidate) error

	// RestartICE re-gathers candidates and emits a restart offer. Only the
	// initiator calls this.
	RestartICE(ctx context.Context) error

	// SetTrackEnabled toggles an outbound track kind on the live link.
	SetTrackEnabled(kind domain.MediaKind, enabled bool) error

	// SendChat transmits one text message over the data channel. Returns
	// domain.ErrChatUnavailable when the channel is not open.
	SendChat(text string) error

	// Close tears down the link. Idempotent; no sink callbacks after return.
	Close() error
}

// NegotiatorFactory builds a fresh negotiator per match cycle.
type NegotiatorFactory interface {
	New(sink NegotiatorSink) (PeerNegotiator, error)
}
