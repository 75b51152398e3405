package domain

import "time"

// SessionState is the top-level lifecycle state of one client session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateQueued
	StateNegotiating
	StateConnected
	StateRecovering // Connected with ICE restarts in flight
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Live reports whether a peer link may exist in this state.
func (s SessionState) Live() bool {
	return s == StateNegotiating || s == StateConnected || s == StateRecovering
}

// Role is decided once per match by the server. The initiator creates the
// offer; deciding it server-side avoids the glare condition where both sides
// believe they are the offerer.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// MatchInfo is the immutable payload of a matched event. It is consumed once
// to configure a new negotiation and never mutated.
type MatchInfo struct {
	Initiator    bool   `json:"initiator"`
	PartnerLabel string `json:"partnerLabel,omitempty"`
}

// Role returns the negotiation role this match assigns to us.
func (m MatchInfo) Role() Role {
	if m.Initiator {
		return RoleInitiator
	}
	return RoleResponder
}

// MediaKind selects one of the two local capture tracks.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// LinkState is the platform-neutral view of peer link connectivity, mapped
// from the underlying ICE transport by the negotiation adapter.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkChecking
	LinkConnected
	LinkCompleted
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (l LinkState) String() string {
	switch l {
	case LinkNew:
		return "new"
	case LinkChecking:
		return "checking"
	case LinkConnected:
		return "connected"
	case LinkCompleted:
		return "completed"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Healthy reports whether the link carries media in this state.
func (l LinkState) Healthy() bool {
	return l == LinkConnected || l == LinkCompleted
}

// ChatSender identifies which side of the pair wrote a chat message.
type ChatSender string

const (
	ChatLocal   ChatSender = "local"
	ChatPartner ChatSender = "partner"
)

// ChatMessage is one entry of the per-partner chat transcript. The transcript
// is cleared when a new match begins.
type ChatMessage struct {
	Sender ChatSender `json:"sender"`
	Text   string     `json:"text"`
	SentAt time.Time  `json:"sent_at"`
}

// Snapshot is the read-only session view exposed for UI binding. It is the
// only surface external collaborators (report flow, profile UI) may consume.
type Snapshot struct {
	State         SessionState `json:"state"`
	Role          Role         `json:"role,omitempty"`
	PartnerLabel  string       `json:"partner_label,omitempty"`
	PresenceCount int          `json:"presence_count"`
	ChannelUp     bool         `json:"channel_up"`
	RestartCount  int          `json:"restart_count"`
	UptimeSeconds int64        `json:"uptime_seconds"`
}
