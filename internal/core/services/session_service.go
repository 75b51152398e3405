package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"novalink/internal/core/domain"
	"novalink/internal/core/ports"
	apperrors "novalink/pkg/errors"
	"novalink/pkg/tracing"
	"novalink/pkg/utils"
	"novalink/pkg/validation"
)

// msgKind tags one entry of the session inbox.
type msgKind int

const (
	msgCmd msgKind = iota
	msgChannelEvent
	msgLinkState
	msgLocalSignal
	msgRemoteTrack
	msgChatIn
	msgGraceElapsed
)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdSkip
	cmdDisconnect
	cmdSetMedia
	cmdSendChat
)

// message is the single currency of the session loop. Everything that can
// touch session state, including user commands, channel events, negotiator
// callbacks, and grace timers, arrives here and is handled on one goroutine.
type message struct {
	kind msgKind

	// epoch stamps messages originating from a specific match cycle so the
	// loop can discard stragglers from a negotiator that was already closed.
	epoch uint64

	cmd       cmdKind
	reply     chan error
	channel   domain.ChannelEvent
	link      domain.LinkState
	env       domain.SignalEnvelope
	mediaKind domain.MediaKind
	enabled   bool
	text      string
}

// SessionService orchestrates the full client lifecycle: media acquisition,
// queueing, peer negotiation, bounded link recovery, and teardown.
type SessionService struct {
	log     *zap.SugaredLogger
	media   ports.MediaSource
	channel ports.SignalChannel
	factory ports.NegotiatorFactory
	metrics ports.MetricsSink
	resCfg  ResilienceConfig

	inbox chan message
	done  chan struct{}

	// epoch counts match cycles. Atomic because timer callbacks stamp
	// messages with it from outside the loop goroutine.
	epoch atomic.Uint64

	// Loop-owned state. Touched only by Run's goroutine.
	state        domain.SessionState
	handle       ports.MediaHandle
	neg          ports.PeerNegotiator
	res          *resilienceController
	match        domain.MatchInfo
	cycleID      string
	cycleCtx     context.Context
	cycleSpanEnd func()
	connectedAt  time.Time
	presence     int
	channelUp    bool
	seenUp       bool
	wantQueued   bool
	pumpStarted  bool
	audioOn      bool
	videoOn      bool

	mu              sync.RWMutex
	snap            domain.Snapshot
	snapConnectedAt time.Time
	chatLog         []domain.ChatMessage
}

// chatLogCap bounds the per-match transcript. Older entries fall off.
const chatLogCap = 200

var _ ports.SessionService = (*SessionService)(nil)

// NewSessionService wires the orchestration core. Run must be started before
// any command method is called.
func NewSessionService(
	log *zap.SugaredLogger,
	media ports.MediaSource,
	channel ports.SignalChannel,
	factory ports.NegotiatorFactory,
	metrics ports.MetricsSink,
	resCfg ResilienceConfig,
) *SessionService {
	s := &SessionService{
		log:     log,
		media:   media,
		channel: channel,
		factory: factory,
		metrics: metrics,
		resCfg:  resCfg,
		inbox:   make(chan message, 128),
		done:    make(chan struct{}),
		state:   domain.StateIdle,
		audioOn: true,
		videoOn: true,
	}
	s.res = newResilienceController(resCfg, func() {
		s.post(message{kind: msgGraceElapsed, epoch: s.epoch.Load()})
	})
	s.publishSnapshot()
	return s
}

// Run drives the session until ctx is cancelled or the server forces a
// logout. It owns all mutable session state.
func (s *SessionService) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-s.inbox:
			if err := s.dispatch(ctx, m); err != nil {
				if errors.Is(err, domain.ErrLoggedOut) {
					return err
				}
				s.log.Errorw("unhandled session error", "error", err)
			}
		}
	}
}

// Start acquires local media, connects signaling, and joins the queue.
func (s *SessionService) Start() error {
	return s.do(message{kind: msgCmd, cmd: cmdStart})
}

// Skip abandons the current partner and re-queues without touching media.
func (s *SessionService) Skip() error {
	return s.do(message{kind: msgCmd, cmd: cmdSkip})
}

// Disconnect leaves the queue or session and releases capture devices.
func (s *SessionService) Disconnect() error {
	return s.do(message{kind: msgCmd, cmd: cmdDisconnect})
}

// SetMediaEnabled toggles one local track kind. The toggle survives skips and
// re-matches.
func (s *SessionService) SetMediaEnabled(kind domain.MediaKind, enabled bool) error {
	if kind != domain.MediaAudio && kind != domain.MediaVideo {
		return apperrors.NewInvalidInputError("unknown media kind")
	}
	return s.do(message{kind: msgCmd, cmd: cmdSetMedia, mediaKind: kind, enabled: enabled})
}

// SendChat delivers one text message to the current partner.
func (s *SessionService) SendChat(text string) error {
	if err := validation.ValidateChatText(text); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return s.do(message{kind: msgCmd, cmd: cmdSendChat, text: text})
}

// Snapshot returns the current observable session view.
func (s *SessionService) Snapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	if snap.State.Live() && !s.snapConnectedAt.IsZero() {
		snap.UptimeSeconds = int64(time.Since(s.snapConnectedAt).Seconds())
	}
	return snap
}

func (s *SessionService) post(m message) {
	select {
	case s.inbox <- m:
	case <-s.done:
	}
}

func (s *SessionService) do(m message) error {
	m.reply = make(chan error, 1)
	select {
	case s.inbox <- m:
	case <-s.done:
		return domain.ErrSessionStopped
	}
	select {
	case err := <-m.reply:
		return err
	case <-s.done:
		return domain.ErrSessionStopped
	}
}

func (s *SessionService) dispatch(ctx context.Context, m message) error {
	switch m.kind {
	case msgCmd:
		m.reply <- s.handleCommand(ctx, m)
		return nil
	case msgChannelEvent:
		return s.handleChannelEvent(ctx, m.channel)
	case msgLinkState:
		if m.epoch != s.epoch.Load() {
			return nil
		}
		return s.handleLinkState(m.link)
	case msgLocalSignal:
		if m.epoch != s.epoch.Load() {
			return nil
		}
		s.relayLocalSignal(m.env)
		return nil
	case msgRemoteTrack:
		if m.epoch != s.epoch.Load() {
			return nil
		}
		s.log.Infow("remote track arrived", "kind", m.mediaKind)
		if s.state == domain.StateNegotiating {
			s.markConnected()
		}
		return nil
	case msgChatIn:
		if m.epoch != s.epoch.Load() {
			return nil
		}
		s.log.Infow("chat message received", "bytes", len(m.text))
		s.appendChat(domain.ChatPartner, m.text)
		return nil
	case msgGraceElapsed:
		if m.epoch != s.epoch.Load() {
			return nil
		}
		return s.handleGraceElapsed()
	default:
		return nil
	}
}

func (s *SessionService) handleCommand(ctx context.Context, m message) error {
	switch m.cmd {
	case cmdStart:
		return s.start(ctx)
	case cmdSkip:
		return s.skip()
	case cmdDisconnect:
		return s.disconnect()
	case cmdSetMedia:
		return s.setMedia(m.mediaKind, m.enabled)
	case cmdSendChat:
		return s.sendChat(m.text)
	default:
		return apperrors.NewInternalError("unknown command")
	}
}

func (s *SessionService) start(ctx context.Context) error {
	if s.state != domain.StateIdle {
		return apperrors.NewConflictError("session already started")
	}

	if s.handle == nil || !s.handle.Alive() {
		handle, err := s.media.Acquire(ctx)
		if err != nil {
			return err
		}
		s.handle = handle
		s.applyMediaToggles()
		s.log.Infow("local media acquired", "video", handle.HasVideo())
	}

	if !s.pumpStarted {
		if err := s.channel.Connect(ctx); err != nil {
			return err
		}
		s.pumpStarted = true
		go s.pumpChannel()
	}

	s.wantQueued = true
	s.enqueue()
	s.transition(domain.StateQueued)
	return nil
}

// pumpChannel forwards the channel's event stream into the inbox. Channel
// events carry no epoch: matched and partnerLeft are cycle boundaries, not
// cycle members.
func (s *SessionService) pumpChannel() {
	for ev := range s.channel.Events() {
		s.post(message{kind: msgChannelEvent, channel: ev})
	}
}

func (s *SessionService) skip() error {
	if !s.state.Live() && s.state != domain.StateQueued {
		return apperrors.NewConflictError("nothing to skip")
	}
	if s.state.Live() {
		s.endCycle()
	}
	s.metrics.RecordSkip()
	if err := s.channel.Send(domain.EventSkip, nil); err != nil {
		s.log.Warnw("skip not delivered, will re-queue on reconnect", "error", err)
	}
	s.wantQueued = true
	s.transition(domain.StateQueued)
	return nil
}

func (s *SessionService) disconnect() error {
	if s.state == domain.StateIdle {
		return nil
	}
	s.wantQueued = false
	if s.state.Live() {
		// Tell the partner we are gone before the socket drops.
		if err := s.channel.Send(domain.EventSkip, nil); err != nil {
			s.log.Debugw("leave notice not delivered", "error", err)
		}
		s.endCycle()
	}
	if s.handle != nil {
		if err := s.handle.Release(); err != nil {
			s.log.Warnw("media release failed", "error", err)
		}
		s.handle = nil
	}
	if err := s.channel.Disconnect(); err != nil {
		s.log.Warnw("channel disconnect failed", "error", err)
	}
	s.pumpStarted = false
	s.channelUp = false
	s.transition(domain.StateIdle)
	return nil
}

func (s *SessionService) setMedia(kind domain.MediaKind, enabled bool) error {
	switch kind {
	case domain.MediaAudio:
		s.audioOn = enabled
	case domain.MediaVideo:
		s.videoOn = enabled
	}
	if s.handle != nil && s.handle.Alive() {
		if err := s.handle.SetEnabled(kind, enabled); err != nil {
			return err
		}
	}
	if s.neg != nil {
		if err := s.neg.SetTrackEnabled(kind, enabled); err != nil {
			return err
		}
	}
	s.log.Infow("media toggle", "kind", kind, "enabled", enabled)
	return nil
}

func (s *SessionService) applyMediaToggles() {
	if s.handle == nil {
		return
	}
	if err := s.handle.SetEnabled(domain.MediaAudio, s.audioOn); err != nil {
		s.log.Warnw("audio toggle failed", "error", err)
	}
	if s.handle.HasVideo() {
		if err := s.handle.SetEnabled(domain.MediaVideo, s.videoOn); err != nil {
			s.log.Warnw("video toggle failed", "error", err)
		}
	}
}

func (s *SessionService) sendChat(text string) error {
	if s.neg == nil || !s.state.Live() {
		return domain.ErrChatUnavailable
	}
	if err := s.neg.SendChat(text); err != nil {
		return err
	}
	s.appendChat(domain.ChatLocal, text)
	return nil
}

func (s *SessionService) appendChat(sender domain.ChatSender, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatLog = append(s.chatLog, domain.ChatMessage{
		Sender: sender,
		Text:   text,
		SentAt: time.Now(),
	})
	if len(s.chatLog) > chatLogCap {
		s.chatLog = s.chatLog[len(s.chatLog)-chatLogCap:]
	}
}

// ChatLog returns a copy of the current match's transcript.
func (s *SessionService) ChatLog() []domain.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ChatMessage, len(s.chatLog))
	copy(out, s.chatLog)
	return out
}

func (s *SessionService) handleChannelEvent(ctx context.Context, ev domain.ChannelEvent) error {
	switch ev.Kind {
	case domain.ChannelUp:
		s.channelUp = true
		if s.seenUp {
			s.metrics.RecordChannelReconnect()
		}
		s.seenUp = true
		// Connect is asynchronous, so the joinQueue sent at start time may
		// have raced the dial; the server also forgets us across outages.
		// Re-enter the queue on every connect while we still want to be in
		// it. A live call keeps flowing peer to peer.
		if s.state == domain.StateQueued && s.wantQueued {
			s.enqueue()
		}
		s.publishSnapshot()

	case domain.ChannelDown:
		s.channelUp = false
		s.log.Warnw("signaling channel down", "state", s.state)
		s.publishSnapshot()

	case domain.ChannelWaiting:
		// Queue membership acknowledged; nothing to change.

	case domain.ChannelMatched:
		return s.beginCycle(ctx, ev.Match)

	case domain.ChannelPresence:
		s.presence = ev.Presence
		s.metrics.SetPresenceCount(ev.Presence)
		s.publishSnapshot()

	case domain.ChannelPartnerLeft:
		if !s.state.Live() {
			return nil
		}
		s.log.Infow("partner left", "cycle", s.cycleID)
		s.metrics.RecordPartnerLeft()
		s.endCycle()
		s.requeue()

	case domain.ChannelSignal:
		return s.handleRemoteSignal(ctx, ev.Signal)

	case domain.ChannelForceLogout:
		s.log.Warnw("forced logout received")
		return domain.ErrLoggedOut
	}
	return nil
}

func (s *SessionService) beginCycle(ctx context.Context, match domain.MatchInfo) error {
	if s.state.Live() {
		// A new match supersedes the current one: the server has already
		// re-paired us, so close the old link before greeting the new partner.
		s.log.Infow("matched while live, superseding current link", "cycle", s.cycleID)
		s.endCycle()
	} else if s.state != domain.StateQueued {
		s.log.Warnw("matched in unexpected state, ignoring", "state", s.state)
		return nil
	}
	if s.handle == nil || !s.handle.Alive() {
		return apperrors.NewInternalError("matched without live media")
	}

	s.match = match
	s.cycleID = utils.GenerateMatchCycleID()
	epoch := s.epoch.Add(1)
	s.res.BeginCycle(match.Initiator)

	// Fresh partner, fresh transcript.
	s.mu.Lock()
	s.chatLog = nil
	s.mu.Unlock()

	cycleCtx, span := tracing.TraceMatchCycle(ctx, s.cycleID, string(match.Role()))
	s.cycleCtx = cycleCtx
	s.cycleSpanEnd = func() { span.End() }

	neg, err := s.factory.New(&negotiatorSink{svc: s, epoch: epoch})
	if err != nil {
		s.endCycle()
		return err
	}
	s.neg = neg

	s.log.Infow("matched",
		"cycle", s.cycleID,
		"role", match.Role(),
		"partner", match.PartnerLabel,
	)
	s.metrics.RecordMatch(match.Role())
	s.transition(domain.StateNegotiating)

	if err := neg.Setup(cycleCtx, s.handle, match.Initiator); err != nil {
		s.log.Errorw("negotiation setup failed", "cycle", s.cycleID, "error", err)
		s.endCycle()
		s.requeue()
		return nil
	}
	return nil
}

func (s *SessionService) handleRemoteSignal(ctx context.Context, env domain.SignalEnvelope) error {
	if s.neg == nil || !s.state.Live() {
		// Stale relay from a partner we already left.
		return nil
	}
	tracing.TraceSignalEvent(s.cycleCtx, "inbound", env.Event())

	switch env.Kind {
	case domain.SignalOffer:
		if s.match.Initiator && s.state == domain.StateNegotiating {
			s.log.Warnw("offer received while initiating, ignoring", "cycle", s.cycleID)
			return nil
		}
		// Offers on a live link are ICE restart offers.
		if err := s.neg.ApplyRemoteOffer(s.cycleCtx, env.Desc); err != nil {
			s.log.Errorw("remote offer rejected", "cycle", s.cycleID, "error", err)
		}
	case domain.SignalAnswer:
		if err := s.neg.ApplyRemoteAnswer(s.cycleCtx, env.Desc); err != nil {
			s.log.Errorw("remote answer rejected", "cycle", s.cycleID, "error", err)
		}
	case domain.SignalCandidate:
		if err := s.neg.ApplyRemoteCandidate(env.Candidate); err != nil {
			// Individual candidates are expendable; the pair can still form.
			s.log.Debugw("remote candidate dropped", "cycle", s.cycleID, "error", err)
		}
	}
	return nil
}

func (s *SessionService) handleLinkState(link domain.LinkState) error {
	if !s.state.Live() {
		return nil
	}
	s.log.Debugw("link state", "cycle", s.cycleID, "link", link)

	switch s.res.HandleLinkState(link) {
	case ResilienceNone:
		// The ICE pair can form before the first remote frame arrives; a
		// healthy link while negotiating counts as connected, the same as
		// the remote-track event.
		if link.Healthy() && s.state == domain.StateNegotiating {
			s.markConnected()
		}
	case ResilienceRecovered:
		s.log.Infow("link recovered", "cycle", s.cycleID, "restarts", s.res.Restarts())
		s.markConnected()
	case ResilienceDegraded:
		s.transition(domain.StateRecovering)
	case ResilienceRestart:
		s.issueRestart()
	case ResilienceGiveUp:
		s.giveUp()
	}
	return nil
}

func (s *SessionService) handleGraceElapsed() error {
	if !s.state.Live() {
		return nil
	}
	switch s.res.HandleGraceElapsed() {
	case ResilienceRestart:
		s.issueRestart()
	case ResilienceGiveUp:
		s.giveUp()
	}
	return nil
}

func (s *SessionService) issueRestart() {
	s.transition(domain.StateRecovering)
	s.metrics.RecordICERestart()
	tracing.AddSpanEvent(s.cycleCtx, "link.ice_restart",
		tracing.RestartCountKey.Int(s.res.Restarts()))
	s.log.Infow("issuing ICE restart", "cycle", s.cycleID, "attempt", s.res.Restarts())
	if err := s.neg.RestartICE(s.cycleCtx); err != nil {
		s.log.Errorw("ICE restart failed", "cycle", s.cycleID, "error", err)
		s.giveUp()
	}
}

func (s *SessionService) giveUp() {
	s.log.Warnw("link unrecoverable, abandoning partner",
		"cycle", s.cycleID,
		"restarts", s.res.Restarts(),
	)
	s.metrics.RecordUnrecoverable()
	s.endCycle()
	s.requeue()
}

func (s *SessionService) markConnected() {
	if s.connectedAt.IsZero() {
		s.connectedAt = time.Now()
	}
	s.transition(domain.StateConnected)
}

func (s *SessionService) relayLocalSignal(env domain.SignalEnvelope) {
	tracing.TraceSignalEvent(s.cycleCtx, "outbound", env.Event())
	if err := s.channel.Send(env.Event(), env.Payload()); err != nil {
		// No replay queue: a lost restart offer surfaces as link failure
		// and is retried by the resilience budget.
		s.log.Warnw("signal not delivered", "event", env.Event(), "error", err)
	}
}

// enqueue asks the server for a partner. Harmless to repeat; the server
// treats a queued client re-joining as a no-op.
func (s *SessionService) enqueue() {
	if err := s.channel.Send(domain.EventJoinQueue, nil); err != nil {
		s.log.Warnw("join queue not delivered, will retry on reconnect", "error", err)
	}
}

func (s *SessionService) requeue() {
	s.wantQueued = true
	s.enqueue()
	s.transition(domain.StateQueued)
}

// endCycle tears down the active negotiation. Media survives; the same
// tracks carry into the next match.
func (s *SessionService) endCycle() {
	if s.neg != nil {
		if err := s.neg.Close(); err != nil {
			s.log.Warnw("negotiator close failed", "cycle", s.cycleID, "error", err)
		}
		s.neg = nil
	}
	s.res.EndCycle()
	if !s.connectedAt.IsZero() {
		s.metrics.RecordConnectionDuration(time.Since(s.connectedAt).Seconds())
		s.connectedAt = time.Time{}
	}
	if s.cycleSpanEnd != nil {
		tracing.TraceTransition(s.cycleCtx, s.state.String(), "ended")
		s.cycleSpanEnd()
		s.cycleSpanEnd = nil
	}
	s.cycleCtx = nil
	s.match = domain.MatchInfo{}
	s.epoch.Add(1)
}

func (s *SessionService) teardown() {
	if s.neg != nil {
		_ = s.neg.Close()
		s.neg = nil
	}
	s.res.EndCycle()
	if s.handle != nil {
		_ = s.handle.Release()
		s.handle = nil
	}
	_ = s.channel.Disconnect()
	s.transition(domain.StateIdle)
}

func (s *SessionService) transition(to domain.SessionState) {
	if s.state == to {
		s.publishSnapshot()
		return
	}
	from := s.state
	s.state = to
	s.log.Infow("session transition", "from", from, "to", to)
	if s.cycleCtx != nil {
		tracing.TraceTransition(s.cycleCtx, from.String(), to.String())
	}
	s.metrics.SetSessionState(to)
	s.publishSnapshot()
}

func (s *SessionService) publishSnapshot() {
	snap := domain.Snapshot{
		State:         s.state,
		PresenceCount: s.presence,
		ChannelUp:     s.channelUp,
		RestartCount:  s.res.Restarts(),
	}
	if s.state.Live() {
		snap.Role = s.match.Role()
		snap.PartnerLabel = s.match.PartnerLabel
	}
	s.mu.Lock()
	s.snap = snap
	s.snapConnectedAt = s.connectedAt
	s.mu.Unlock()
}

// negotiatorSink adapts negotiator callbacks into inbox messages. The epoch
// pins every callback to the cycle that created the negotiator.
type negotiatorSink struct {
	svc   *SessionService
	epoch uint64
}

func (n *negotiatorSink) OnLocalSignal(env domain.SignalEnvelope) {
	n.svc.post(message{kind: msgLocalSignal, epoch: n.epoch, env: env})
}

func (n *negotiatorSink) OnLinkState(state domain.LinkState) {
	n.svc.post(message{kind: msgLinkState, epoch: n.epoch, link: state})
}

func (n *negotiatorSink) OnRemoteTrack(kind domain.MediaKind) {
	n.svc.post(message{kind: msgRemoteTrack, epoch: n.epoch, mediaKind: kind})
}

func (n *negotiatorSink) OnChatMessage(text string) {
	n.svc.post(message{kind: msgChatIn, epoch: n.epoch, text: text})
}
