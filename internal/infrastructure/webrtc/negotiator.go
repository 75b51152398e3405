package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"novalink/internal/core/domain"
	"novalink/internal/core/ports"
	"novalink/pkg/config"
	apperrors "novalink/pkg/errors"
)

const chatChannelLabel = "chat"

// EnginePopulator registers the codecs of a capture pipeline with a media
// engine. The mediadevices codec selector implements it.
type EnginePopulator interface {
	Populate(engine *webrtc.MediaEngine)
}

// FactoryOptions carries the transport knobs shared by every peer link.
type FactoryOptions struct {
	ICEServers        []webrtc.ICEServer
	CandidatePoolSize uint8
	PortMin           uint16
	PortMax           uint16
}

// FactoryOptionsFromConfig maps the webrtc config section onto options.
func FactoryOptionsFromConfig(cfg *config.Config) FactoryOptions {
	opts := FactoryOptions{
		CandidatePoolSize: cfg.WebRTC.CandidatePoolSize,
		PortMin:           cfg.WebRTC.PortRange.Min,
		PortMax:           cfg.WebRTC.PortRange.Max,
	}
	for _, s := range cfg.WebRTC.ICEServers {
		opts.ICEServers = append(opts.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return opts
}

// Factory builds one Negotiator per match cycle over a shared API object, so
// every link uses the same media engine and port range.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

var _ ports.NegotiatorFactory = (*Factory)(nil)

// NewFactory prepares the shared WebRTC API. populator registers the capture
// pipeline's codecs; when nil the default codec set is used.
func NewFactory(opts FactoryOptions, populator EnginePopulator, logger *zap.SugaredLogger) (*Factory, error) {
	engine := &webrtc.MediaEngine{}
	if populator != nil {
		populator.Populate(engine)
	} else if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	settings := webrtc.SettingEngine{}
	if opts.PortMin > 0 && opts.PortMax > 0 {
		if err := settings.SetEphemeralUDPPortRange(opts.PortMin, opts.PortMax); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(engine),
			webrtc.WithSettingEngine(settings),
		),
		config: webrtc.Configuration{
			ICEServers:           opts.ICEServers,
			ICECandidatePoolSize: opts.CandidatePoolSize,
		},
		logger: logger,
	}, nil
}

// New creates a negotiator for one match cycle.
func (f *Factory) New(sink ports.NegotiatorSink) (ports.PeerNegotiator, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, apperrors.NewNegotiationError("create peer connection", err)
	}

	n := &Negotiator{
		pc:      pc,
		sink:    sink,
		logger:  f.logger,
		monitor: newLinkMonitor(f.logger),
		senders: make(map[domain.MediaKind]*webrtc.RTPSender),
		tracks:  make(map[domain.MediaKind]webrtc.TrackLocal),
		seen:    make(map[domain.MediaKind]bool),
	}
	n.wire()
	return n, nil
}

// Negotiator drives one peer link: offer/answer, trickle ICE with buffering,
// bounded restarts on request, outbound track toggling, and the chat data
// channel. Single use.
type Negotiator struct {
	pc      *webrtc.PeerConnection
	sink    ports.NegotiatorSink
	logger  *zap.SugaredLogger
	monitor *linkMonitor

	mu        sync.Mutex
	closed    bool
	initiator bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	senders   map[domain.MediaKind]*webrtc.RTPSender
	tracks    map[domain.MediaKind]webrtc.TrackLocal
	seen      map[domain.MediaKind]bool
	chat      *webrtc.DataChannel
	chatOpen  bool
}

var _ ports.PeerNegotiator = (*Negotiator)(nil)

func (n *Negotiator) wire() {
	n.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		env := domain.SignalEnvelope{Kind: domain.SignalCandidate}
		if cand == nil {
			// Gathering finished; an empty candidate tells the partner.
			n.emitSignal(env)
			return
		}
		init := cand.ToJSON()
		env.Candidate = domain.ICECandidate{
			Candidate: init.Candidate,
			SDPMid:    init.SDPMid,
		}
		if init.SDPMLineIndex != nil {
			env.Candidate.SDPMLineIndex = *init.SDPMLineIndex
		}
		n.emitSignal(env)
	})

	n.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		n.emitLinkState(mapICEState(state))
	})

	n.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		kind := domain.MediaAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = domain.MediaVideo
		}

		n.mu.Lock()
		first := !n.seen[kind]
		n.seen[kind] = true
		closed := n.closed
		n.mu.Unlock()
		if closed {
			return
		}
		if first {
			n.sink.OnRemoteTrack(kind)
		}
		go n.monitor.watchRemoteTrack(kind, track)
	})

	n.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != chatChannelLabel {
			n.logger.Warnw("unexpected data channel", "label", dc.Label())
			return
		}
		n.adoptChat(dc)
	})
}

// Setup attaches local tracks and, for the initiator, opens the chat channel
// and emits the first offer. The responder waits for the remote offer.
func (n *Negotiator) Setup(ctx context.Context, media ports.MediaHandle, initiator bool) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return domain.ErrPeerClosed
	}
	n.initiator = initiator
	n.mu.Unlock()

	for _, track := range media.Tracks() {
		sender, err := n.pc.AddTrack(track)
		if err != nil {
			return apperrors.NewNegotiationError("attach local track", err)
		}
		kind := domain.MediaAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = domain.MediaVideo
		}
		n.mu.Lock()
		n.senders[kind] = sender
		n.tracks[kind] = track
		n.mu.Unlock()

		// Honor toggles flipped before the match existed.
		if !media.Enabled(kind) {
			if err := sender.ReplaceTrack(nil); err != nil {
				return apperrors.NewNegotiationError("apply track toggle", err)
			}
		}
		go n.monitor.watchSenderReports(kind, sender)
	}

	if !initiator {
		return nil
	}

	dc, err := n.pc.CreateDataChannel(chatChannelLabel, nil)
	if err != nil {
		return apperrors.NewNegotiationError("create chat channel", err)
	}
	n.adoptChat(dc)

	return n.sendOffer(false)
}

func (n *Negotiator) sendOffer(restart bool) error {
	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := n.pc.CreateOffer(opts)
	if err != nil {
		return apperrors.NewNegotiationError("create offer", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return apperrors.NewNegotiationError("set local offer", err)
	}
	n.emitSignal(domain.SignalEnvelope{
		Kind: domain.SignalOffer,
		Desc: domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP},
	})
	return nil
}

// ApplyRemoteOffer installs the partner's offer and answers it. Offers on an
// established link are ICE restart offers and take the same path.
func (n *Negotiator) ApplyRemoteOffer(ctx context.Context, desc domain.SessionDescription) error {
	err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  desc.SDP,
	})
	if err != nil {
		return apperrors.NewNegotiationError("set remote offer", err)
	}
	n.flushPending()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return apperrors.NewNegotiationError("create answer", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return apperrors.NewNegotiationError("set local answer", err)
	}
	n.emitSignal(domain.SignalEnvelope{
		Kind: domain.SignalAnswer,
		Desc: domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP},
	})
	return nil
}

func (n *Negotiator) ApplyRemoteAnswer(ctx context.Context, desc domain.SessionDescription) error {
	err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  desc.SDP,
	})
	if err != nil {
		return apperrors.NewNegotiationError("set remote answer", err)
	}
	n.flushPending()
	return nil
}

// ApplyRemoteCandidate adds one trickle candidate. Candidates that arrive
// before the remote description are buffered and flushed afterwards.
func (n *Negotiator) ApplyRemoteCandidate(cand domain.ICECandidate) error {
	mline := cand.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: &mline,
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return domain.ErrPeerClosed
	}
	if !n.remoteSet {
		n.pending = append(n.pending, init)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if err := n.pc.AddICECandidate(init); err != nil {
		return apperrors.NewNegotiationError("add candidate", err)
	}
	return nil
}

func (n *Negotiator) flushPending() {
	n.mu.Lock()
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, init := range pending {
		if err := n.pc.AddICECandidate(init); err != nil {
			n.logger.Debugw("buffered candidate rejected", "error", err)
		}
	}
}

// RestartICE re-gathers candidates and emits a restart offer.
func (n *Negotiator) RestartICE(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return domain.ErrPeerClosed
	}
	if !n.initiator {
		n.mu.Unlock()
		return apperrors.NewNegotiationError("only the initiator restarts ICE", nil)
	}
	n.mu.Unlock()
	return n.sendOffer(true)
}

// SetTrackEnabled mutes or unmutes an outbound kind by swapping the sender's
// track. No renegotiation and no signaling traffic.
func (n *Negotiator) SetTrackEnabled(kind domain.MediaKind, enabled bool) error {
	n.mu.Lock()
	sender, ok := n.senders[kind]
	track := n.tracks[kind]
	closed := n.closed
	n.mu.Unlock()

	if closed {
		return domain.ErrPeerClosed
	}
	if !ok {
		return nil // no such outbound track on this link
	}
	if enabled {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

// SendChat transmits one text message over the chat channel.
func (n *Negotiator) SendChat(text string) error {
	n.mu.Lock()
	dc := n.chat
	open := n.chatOpen
	n.mu.Unlock()

	if dc == nil || !open {
		return domain.ErrChatUnavailable
	}
	return dc.SendText(text)
}

// Close tears down the link. Idempotent; callbacks racing Close are dropped
// by the closed flag.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.monitor.stop()
	if err := n.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func (n *Negotiator) adoptChat(dc *webrtc.DataChannel) {
	n.mu.Lock()
	n.chat = dc
	n.mu.Unlock()

	dc.OnOpen(func() {
		n.mu.Lock()
		n.chatOpen = true
		n.mu.Unlock()
	})
	dc.OnClose(func() {
		n.mu.Lock()
		n.chatOpen = false
		n.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		n.mu.Lock()
		closed := n.closed
		n.mu.Unlock()
		if !closed {
			n.sink.OnChatMessage(string(msg.Data))
		}
	})
}

func (n *Negotiator) emitSignal(env domain.SignalEnvelope) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if !closed {
		n.sink.OnLocalSignal(env)
	}
}

func (n *Negotiator) emitLinkState(state domain.LinkState) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if !closed {
		n.sink.OnLinkState(state)
	}
}

func mapICEState(state webrtc.ICEConnectionState) domain.LinkState {
	switch state {
	case webrtc.ICEConnectionStateNew:
		return domain.LinkNew
	case webrtc.ICEConnectionStateChecking:
		return domain.LinkChecking
	case webrtc.ICEConnectionStateConnected:
		return domain.LinkConnected
	case webrtc.ICEConnectionStateCompleted:
		return domain.LinkCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return domain.LinkDisconnected
	case webrtc.ICEConnectionStateFailed:
		return domain.LinkFailed
	default:
		return domain.LinkClosed
	}
}
