package domain

// Signaling event vocabulary. Names travel on the wire verbatim.
const (
	EventJoinQueue     = "joinQueue"     // client -> server, no payload
	EventSkip          = "skip"          // client -> server, no payload
	EventPresenceCount = "presenceCount" // server -> client, integer
	EventWaiting       = "waiting"       // server -> client, queue ack
	EventMatched       = "matched"       // server -> client, MatchInfo
	EventOffer         = "offer"         // bidirectional, SessionDescription
	EventAnswer        = "answer"        // bidirectional, SessionDescription
	EventICECandidate  = "iceCandidate"  // bidirectional, ICECandidate
	EventPartnerLeft   = "partnerLeft"   // server -> client, no payload
	EventForceLogout   = "forceLogout"   // server -> client, no payload
)

// SessionDescription is the protocol-opaque offer/answer payload.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is the trickle candidate payload plus the indices needed to
// apply it.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex uint16  `json:"sdpMLineIndex"`
	SDPMid        *string `json:"sdpMid,omitempty"`
}

// SignalKind discriminates a SignalEnvelope.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "iceCandidate"
)

// SignalEnvelope is the tagged union of relayed negotiation payloads.
// Transient; never persisted.
type SignalEnvelope struct {
	Kind      SignalKind
	Desc      SessionDescription // offer / answer
	Candidate ICECandidate       // iceCandidate
}

// Event returns the wire event name for this envelope.
func (e SignalEnvelope) Event() string {
	return string(e.Kind)
}

// Payload returns the wire payload for this envelope.
func (e SignalEnvelope) Payload() any {
	if e.Kind == SignalCandidate {
		return e.Candidate
	}
	return e.Desc
}

// ChannelEventKind tags events delivered by the signaling channel. The two
// liveness kinds are synthesized locally; the rest arrive from the server.
type ChannelEventKind int

const (
	ChannelUp ChannelEventKind = iota
	ChannelDown
	ChannelWaiting
	ChannelMatched
	ChannelPresence
	ChannelPartnerLeft
	ChannelSignal
	ChannelForceLogout
)

func (k ChannelEventKind) String() string {
	switch k {
	case ChannelUp:
		return "channelUp"
	case ChannelDown:
		return "channelDown"
	case ChannelWaiting:
		return "waiting"
	case ChannelMatched:
		return "matched"
	case ChannelPresence:
		return "presenceCount"
	case ChannelPartnerLeft:
		return "partnerLeft"
	case ChannelSignal:
		return "signal"
	case ChannelForceLogout:
		return "forceLogout"
	default:
		return "unknown"
	}
}

// ChannelEvent is one entry of the single ordered inbound event stream.
type ChannelEvent struct {
	Kind     ChannelEventKind
	Match    MatchInfo      // ChannelMatched
	Presence int            // ChannelPresence
	Signal   SignalEnvelope // ChannelSignal
}
