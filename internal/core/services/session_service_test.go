package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"novalink/internal/core/domain"
	"novalink/internal/core/ports"
)

type sentEvent struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu           sync.Mutex
	events       chan domain.ChannelEvent
	sent         []sentEvent
	sendErr      error
	connects     int
	disconnects  int
	disconnected bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan domain.ChannelEvent, 32)}
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.disconnected {
		f.events = make(chan domain.ChannelEvent, 32)
		f.disconnected = false
	}
	return nil
}

func (f *fakeChannel) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentEvent{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) Events() <-chan domain.ChannelEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnected {
		return nil
	}
	f.disconnects++
	f.disconnected = true
	close(f.events)
	return nil
}

func (f *fakeChannel) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeChannel) countSent(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

type fakeHandle struct {
	mu       sync.Mutex
	released bool
	enabled  map[domain.MediaKind]bool
	video    bool
}

func newFakeHandle(video bool) *fakeHandle {
	return &fakeHandle{
		video:   video,
		enabled: map[domain.MediaKind]bool{domain.MediaAudio: true, domain.MediaVideo: video},
	}
}

func (f *fakeHandle) Tracks() []webrtc.TrackLocal { return nil }
func (f *fakeHandle) HasVideo() bool              { return f.video }

func (f *fakeHandle) SetEnabled(kind domain.MediaKind, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return domain.ErrMediaReleased
	}
	f.enabled[kind] = enabled
	return nil
}

func (f *fakeHandle) Enabled(kind domain.MediaKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[kind]
}

func (f *fakeHandle) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return nil
}

func (f *fakeHandle) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.released
}

type fakeMedia struct {
	mu      sync.Mutex
	handle  ports.MediaHandle
	err     error
	acquire int
}

func (f *fakeMedia) Acquire(ctx context.Context) (ports.MediaHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquire++
	if f.err != nil {
		return nil, f.err
	}
	return f.handle, nil
}

type fakeNegotiator struct {
	mu         sync.Mutex
	setups     int
	initiator  bool
	offers     []domain.SessionDescription
	answers    []domain.SessionDescription
	candidates []domain.ICECandidate
	restarts   int
	chats      []string
	closes     int
	setupErr   error
	chatErr    error
}

func (f *fakeNegotiator) Setup(ctx context.Context, media ports.MediaHandle, initiator bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setups++
	f.initiator = initiator
	return f.setupErr
}

func (f *fakeNegotiator) ApplyRemoteOffer(ctx context.Context, d domain.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, d)
	return nil
}

func (f *fakeNegotiator) ApplyRemoteAnswer(ctx context.Context, d domain.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, d)
	return nil
}

func (f *fakeNegotiator) ApplyRemoteCandidate(c domain.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeNegotiator) RestartICE(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

func (f *fakeNegotiator) SetTrackEnabled(kind domain.MediaKind, enabled bool) error { return nil }

func (f *fakeNegotiator) SendChat(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chatErr != nil {
		return f.chatErr
	}
	f.chats = append(f.chats, text)
	return nil
}

func (f *fakeNegotiator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeNegotiator) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

type fakeFactory struct {
	mu    sync.Mutex
	negs  []*fakeNegotiator
	sinks []ports.NegotiatorSink
	err   error
}

func (f *fakeFactory) New(sink ports.NegotiatorSink) (ports.PeerNegotiator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n := &fakeNegotiator{}
	f.negs = append(f.negs, n)
	f.sinks = append(f.sinks, sink)
	return n, nil
}

func (f *fakeFactory) last() (*fakeNegotiator, ports.NegotiatorSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.negs) == 0 {
		return nil, nil
	}
	return f.negs[len(f.negs)-1], f.sinks[len(f.sinks)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.negs)
}

type fakeMetrics struct {
	mu       sync.Mutex
	counters map[string]int
	presence int
	state    domain.SessionState
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{counters: make(map[string]int)}
}

func (f *fakeMetrics) bump(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[name]++
}

func (f *fakeMetrics) get(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[name]
}

func (f *fakeMetrics) RecordMatch(role domain.Role)              { f.bump("match") }
func (f *fakeMetrics) RecordSkip()                               { f.bump("skip") }
func (f *fakeMetrics) RecordPartnerLeft()                        { f.bump("partner_left") }
func (f *fakeMetrics) RecordICERestart()                         { f.bump("restart") }
func (f *fakeMetrics) RecordUnrecoverable()                      { f.bump("unrecoverable") }
func (f *fakeMetrics) RecordChannelReconnect()                   { f.bump("reconnect") }
func (f *fakeMetrics) RecordConnectionDuration(seconds float64)  { f.bump("duration") }
func (f *fakeMetrics) SetPresenceCount(count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = count
}
func (f *fakeMetrics) SetSessionState(state domain.SessionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

type sessionFixture struct {
	svc     *SessionService
	ch      *fakeChannel
	media   *fakeMedia
	handle  *fakeHandle
	factory *fakeFactory
	metrics *fakeMetrics
	runErr  chan error
	cancel  context.CancelFunc
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	handle := newFakeHandle(true)
	f := &sessionFixture{
		ch:      newFakeChannel(),
		media:   &fakeMedia{handle: handle},
		handle:  handle,
		factory: &fakeFactory{},
		metrics: newFakeMetrics(),
		runErr:  make(chan error, 1),
	}
	f.svc = NewSessionService(
		zap.NewNop().Sugar(),
		f.media,
		f.ch,
		f.factory,
		f.metrics,
		ResilienceConfig{MaxRestarts: 3, Grace: 20 * time.Millisecond},
	)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.runErr <- f.svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.runErr:
		case <-time.After(time.Second):
			t.Error("session loop did not stop")
		}
	})
	return f
}

func (f *sessionFixture) waitState(t *testing.T, want domain.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.svc.Snapshot().State == want
	}, time.Second, 2*time.Millisecond, "never reached state %s", want)
}

// matchAsInitiator drives the fixture from Idle to a freshly matched cycle.
func (f *sessionFixture) matchAsInitiator(t *testing.T) (*fakeNegotiator, ports.NegotiatorSink) {
	t.Helper()
	require.NoError(t, f.svc.Start())
	f.ch.events <- domain.ChannelEvent{Kind: domain.ChannelMatched, Match: domain.MatchInfo{Initiator: true}}
	f.waitState(t, domain.StateNegotiating)
	neg, sink := f.factory.last()
	require.NotNil(t, neg)
	return neg, sink
}

func TestSession_StartQueues(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.svc.Start())

	assert.Equal(t, domain.StateQueued, f.svc.Snapshot().State)
	assert.Equal(t, 1, f.media.acquire)
	assert.Equal(t, 1, f.ch.countSent(domain.EventJoinQueue))
}

func TestSession_StartTwiceConflicts(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.svc.Start())
	assert.Error(t, f.svc.Start())
}

func TestSession_StartFailsWhenMediaFails(t *testing.T) {
	f := newSessionFixture(t)
	f.media.err = errors.New("no devices")

	err := f.svc.Start()
	require.Error(t, err)
	assert.Equal(t, domain.StateIdle, f.svc.Snapshot().State)
	assert.Equal(t, 0, f.ch.countSent(domain.EventJoinQueue))
}

func TestSession_MatchedStartsNegotiation(t *testing.T) {
	f := newSessionFixture(t)

	neg, _ := f.matchAsInitiator(t)

	assert.Equal(t, 1, neg.setups)
	assert.True(t, neg.initiator)
	assert.Equal(t, 1, f.metrics.get("match"))

	snap := f.svc.Snapshot()
	assert.Equal(t, domain.RoleInitiator, snap.Role)
}

func TestSession_LinkConnectedMovesToConnected(t *testing.T) {
	f := newSessionFixture(t)

	_, sink := f.matchAsInitiator(t)
	sink.OnLinkState(domain.LinkConnected)

	f.waitState(t, domain.StateConnected)
}

func TestSession_RemoteTrackMovesToConnected(t *testing.T) {
	f := newSessionFixture(t)

	_, sink := f.matchAsInitiator(t)
	sink.OnRemoteTrack(domain.MediaVideo)

	f.waitState(t, domain.StateConnected)
}

func TestSession_ResponderAppliesRemoteOffer(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.svc.Start())
	f.ch.events <- domain.ChannelEvent{Kind: domain.ChannelMatched, Match: domain.MatchInfo{Initiator: false}}
	f.waitState(t, domain.StateNegotiating)
	neg, _ := f.factory.last()
	require.NotNil(t, neg)
	assert.False(t, neg.initiator)

	f.ch.events <- domain.ChannelEvent{
		Kind: domain.ChannelSignal,
		Signal: domain.SignalEnvelope{
			Kind: domain.SignalOffer,
			Desc: domain.SessionDescription{Type: "offer", SDP: "v=0\r\n"},
		},
	}
	require.Eventually(t, func() bool {
		neg.mu.Lock()
		defer neg.mu.Unlock()
		return len(neg.offers) == 1
	}, time.Second, 2*time.Millisecond)
}

func TestSession_LocalSignalsAreRelayed(t *testing.T) {
	f := newSessionFixture(t)

	_, sink := f.matchAsInitiator(t)
	sink.OnLocalSignal(domain.SignalEnvelope{
		Kind: domain.SignalOffer,
		Desc: domain.SessionDescription{Type: "offer", SDP: "v=0\r\n"},
	})
	sink.OnLocalSignal(domain.SignalEnvelope{
		Kind:      domain.SignalCandidate,
		Candidate: domain.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
	})

	require.Eventually(t, func() bool {
		return f.ch.countSent(domain.EventOffer) == 1 &&
			f.ch.countSent(domain.EventICECandidate) == 1
	}, time.Second, 2*time.Millisecond)
}

func TestSession_PartnerLeftRequeues(t *testing.T) {
	f := newSessionFixture(t)

	neg, sink := f.matchAsInitiator(t)
	sink.OnLinkState(domain.LinkConnected)
	f.waitState(t, domain.StateConnected)

	f.ch.events <- domain.ChannelEvent{Kind: domain.ChannelPartnerLeft}
	f.waitState(t, domain.StateQueued)

	assert.Equal(t, 1, neg.closes)
	assert.True(t, f.handle.Alive(), "media must survive a partner departure")
	assert.Equal(t, 2, f.ch.countSent(domain.EventJoinQueue))
	assert.Equal(t, 1, f.metrics.get("partner_left"))
	assert.Equal(t, 1, f.metrics.get("duration"))
}

func TestSession_SkipClosesLinkAndRequeues(t *testing.T) {
	f := newSessionFixture(t)

	neg, sink := f.matchAsInitiator(t)
	sink.OnLinkState(domain.LinkConnected)
	f.waitState(t, domain.StateConnected)

	require.NoError(t, f.svc.Skip())

	assert.Equal(t, domain.StateQueued, f.svc.Snapshot().State)
	assert.Equal(t, 1, neg.closes)
	assert.True(t, f.handle.Alive(), "skip must retain local media")
	assert.Equal(t, 1, f.ch.countSent(domain.EventSkip))
	assert.Equal(t, 1, f.metrics.get("skip"))

	// A new match reuses the same handle without re-acquisition.
	f.ch.events <- domain.ChannelEvent{Kind: domain.ChannelMatched, Match: domain.MatchInfo{Initiator: false}}
	f.waitState(t, domain.StateNegotiating)
	assert.Equal(t, 1, f.media.acquire)
	assert.Equal(t, 2, f.factory.count())
}

func TestSession_SkipWhileIdleConflicts(t *testing.T) {
	f := newSessionFixture(t)
	assert.Error(t, f.svc.Skip())
}

func TestSession_DisconnectReleasesEverything(t *testing.T) {
	f := newSessionFixture(t)

	neg, sink := f.matchAsInitiator(t)
	sink.OnLinkState(domain.LinkConnected)
	f.waitState(t, domain.StateConnected)

	require.NoError(t, f.svc.Disconnect())

	assert.Equal(t, domain.StateIdle, f.svc.Snapshot().State)
	assert.Equal(t, 1, neg.closes)
	assert.Equal(t, 1, f.ch.countSent(domain.EventSkip), "partner must be told we left")
	assert.False(t, f.handle.Alive(), "disconnect must release media")
	f.ch.mu.Lock()
	assert.True(t, f.ch.disconnected)
	f.ch.mu.Unlock()
}

func TestSession_NewMatchSupersedesLiveLink(t *testing.T) {
	f := newSessionFixture(t)

	neg, sink := f.matchAsInitiator(t)
	sink.OnLinkState(domain.LinkConnected)
	f.waitState(t, domain.StateConnected)

	// The server re-paired us without a partnerLeft in between.
	f.ch.events <- domain.ChannelEvent{
		Kind:  domain.ChannelMatched,
		Match: domain.MatchInfo{Initiator: false, PartnerLabel: "stranger_7"},
	}
	f.waitState(t, domain.StateNegotiating)

	assert.Equal(t, 1, neg.closes, "old link must close before the new one starts")
	assert.Equal(t, 2, f.factory.count())
	assert.Equal(t, "stranger_7", f.svc.Snapshot().PartnerLabel)
}

func TestSession_StartAgainAfterDisconnect(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.svc.Start())
	require.NoError(t, f.svc.Disconnect())
	assert.Equal(t, domain.StateIdle, f.svc.Snapshot().State)

	// Disconnect released the devices; the next start captures fresh ones.
	f.media.mu.Lock()
	f.media.handle = newFakeHandle(true)
	f.media.mu.Unlock()

	require.NoError(t, f.svc.Start())
	assert.Equal(t, domain.StateQueued, f.svc.Snapshot().State)
	assert.Equal(t, 2, f.media.acquire)
	f.ch.mu.Lock()
	assert.Equal(t, 2, f.ch.connects)
	f.ch.mu.Unlock()
	assert.Equal(t, 2, f.ch.countSent(domain.EventJoinQueue))

	// The fresh event stream still feeds the loop.
	f.ch.events <- domain.ChannelEvent{Kind: domain.ChannelMatched, Match: domain.MatchInfo{Initiator: true}}
	f.waitState(t, domain.StateNegotiating)
}

func TestSession_ForceLogoutStopsLoop(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.svc.Start())
	f.ch.events <- domain.ChannelEvent{Kind: domain.ChannelForceLogout}

	select {
	case err := <-f.runErr:
		assert.ErrorIs(t, err, domain.ErrLoggedOut)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on forced logout")
	}
	f.runErr <- nil // keep cleanup satisfied
	assert.False(t, f.handle.Alive())
}

func TestSession_FailedLinkSpendsRestartBudgetThenRequeues(t *testing.T) {
	f := newSessionFixture(t)

	neg, sink := f.matchAsInitiator(t)
	sink.OnLinkState(domain.LinkConnected)
	f.waitState(t, domain.StateConnected)

	for i := 0; i < 3; i++ {
		sink.OnLinkState(domain.LinkFailed)
		want := i + 1
		require.Eventually(t, func() bool {
			return neg.restartCount() == want
		}, time.Second, 2*time.Millisecond, "restart %d never issued", want)
		assert.Equal(t, domain.StateRecovering, f.svc.Snapshot().State)
	}

	// Budget spent: the fourth failure abandons the partner.
	sink.OnLinkState(domain.LinkFailed)
	f.waitState(t, domain.StateQueued)
	assert.Equal(t, 3, neg.restartCount())
	assert.Equal(t, 1, neg.closes)
	assert.Equal(t, 3, f.metrics.get("restart"))
	assert.Equal(t, 1, f.metrics.get("unrecoverable"))
	assert.True(t, f.handle.Alive())
}

func TestSession_DisconnectedLinkRestartsAfterGrace(t *testing.T) {
	f := newSessionFixture(t)

	neg, sink := f.matchAsInitiator(t)
	sink.OnLinkState(domain.LinkConnected)
	f.waitState(t, domain.StateConnected)

	sink.OnLinkState(domain.LinkDisconnected)
	f.waitState(t, domain.StateRecovering)

	// No restart inside the grace window; one after it elapses.
	require.Eventually(t, func() bool {
		return neg.restartCount() == 1
	}, time.Second, 2*time.Millisecond)
}

func TestSession_SelfHealingLinkAvoidsRestart(t *testing.T) {
	f := newSessionFixture(t)

	neg, sink := f.matchAsInitiator(t)
	sink.OnLinkState(domain.LinkConnected)
	f.waitState(t, domain.StateConnected)

	sink.OnLinkState(domain.LinkDisconnected)
	f.waitState(t, domain.StateRecovering)
	sink.OnLinkState(domain.LinkConnected)
	f.waitState(t, domain.StateConnected)

	// Outwait the original grace window to prove it was cancelled.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, neg.restartCount())
}

func TestSession_StaleNegotiatorEventsAreDiscarded(t *testing.T) {
	f := newSessionFixture(t)

	neg, sink := f.matchAsInitiator(t)
	sink.OnLinkState(domain.LinkConnected)
	f.waitState(t, domain.StateConnected)

	require.NoError(t, f.svc.Skip())
	f.waitState(t, domain.StateQueued)

	// Callbacks from the closed cycle must not disturb the queue state.
	sink.OnLinkState(domain.LinkFailed)
	sink.OnLocalSignal(domain.SignalEnvelope{Kind: domain.SignalOffer})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, domain.StateQueued, f.svc.Snapshot().State)
	assert.Equal(t, 0, neg.restartCount())
	assert.Equal(t, 0, f.ch.countSent(domain.EventOffer))
}

func TestSession_JoinQueueRetriesWhenDialStillInFlight(t *testing.T) {
	f := newSessionFixture(t)
	f.ch.setSendErr(domain.ErrChannelDown)

	require.NoError(t, f.svc.Start())
	assert.Equal(t, domain.StateQueued, f.svc.Snapshot().State)
	assert.Equal(t, 0, f.ch.countSent(domain.EventJoinQueue))

	// The dial completes only after Start returned; the server must still
	// hear about us.
	f.ch.setSendErr(nil)
	f.ch.events <- domain.ChannelEvent{Kind: domain.ChannelUp}

	require.Eventually(t, func() bool {
		return f.ch.countSent(domain.EventJoinQueue) == 1
	}, time.Second, 2*time.Millisecond, "server never received joinQueue")
}

func TestSession_ReconnectRejoinsQueue(t *testing.T) {
	f := newSessionFixture(t)
	f.ch.setSendErr(domain.ErrChannelDown)

	require.NoError(t, f.svc.Start())
	f.ch.setSendErr(nil)
	f.ch.events <- domain.ChannelEvent{Kind: domain.ChannelUp}
	f.ch.events <- domain.ChannelEvent{Kind: domain.ChannelDown}
	f.ch.events <- domain.ChannelEvent{Kind: domain.ChannelUp}

	require.Eventually(t, func() bool {
		return f.metrics.get("reconnect") == 1
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 2, f.ch.countSent(domain.EventJoinQueue))
}

func TestSession_PresenceUpdatesSnapshot(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.svc.Start())
	f.ch.events <- domain.ChannelEvent{Kind: domain.ChannelPresence, Presence: 17}

	require.Eventually(t, func() bool {
		return f.svc.Snapshot().PresenceCount == 17
	}, time.Second, 2*time.Millisecond)
}

func TestSession_ChatRoutedToNegotiator(t *testing.T) {
	f := newSessionFixture(t)

	neg, sink := f.matchAsInitiator(t)
	sink.OnLinkState(domain.LinkConnected)
	f.waitState(t, domain.StateConnected)

	require.NoError(t, f.svc.SendChat("hello"))
	neg.mu.Lock()
	assert.Equal(t, []string{"hello"}, neg.chats)
	neg.mu.Unlock()
}

func TestSession_ChatTranscriptRecordsBothSides(t *testing.T) {
	f := newSessionFixture(t)

	_, sink := f.matchAsInitiator(t)
	sink.OnLinkState(domain.LinkConnected)
	f.waitState(t, domain.StateConnected)

	require.NoError(t, f.svc.SendChat("hello"))
	sink.OnChatMessage("hey yourself")

	require.Eventually(t, func() bool {
		return len(f.svc.ChatLog()) == 2
	}, time.Second, 2*time.Millisecond)

	log := f.svc.ChatLog()
	assert.Equal(t, domain.ChatLocal, log[0].Sender)
	assert.Equal(t, "hello", log[0].Text)
	assert.Equal(t, domain.ChatPartner, log[1].Sender)
	assert.Equal(t, "hey yourself", log[1].Text)
}

func TestSession_ChatTranscriptResetsOnNewMatch(t *testing.T) {
	f := newSessionFixture(t)

	_, sink := f.matchAsInitiator(t)
	sink.OnLinkState(domain.LinkConnected)
	f.waitState(t, domain.StateConnected)
	require.NoError(t, f.svc.SendChat("first partner"))

	f.ch.events <- domain.ChannelEvent{Kind: domain.ChannelPartnerLeft}
	f.waitState(t, domain.StateQueued)

	f.ch.events <- domain.ChannelEvent{Kind: domain.ChannelMatched, Match: domain.MatchInfo{Initiator: true}}
	f.waitState(t, domain.StateNegotiating)

	assert.Empty(t, f.svc.ChatLog())
}

func TestSession_ChatWithoutPartnerFails(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.svc.Start())
	assert.ErrorIs(t, f.svc.SendChat("anyone there"), domain.ErrChatUnavailable)
}

func TestSession_MediaTogglePersistsAcrossCycles(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.svc.Start())
	require.NoError(t, f.svc.SetMediaEnabled(domain.MediaVideo, false))
	assert.False(t, f.handle.Enabled(domain.MediaVideo))
	assert.True(t, f.handle.Enabled(domain.MediaAudio))

	f.ch.events <- domain.ChannelEvent{Kind: domain.ChannelMatched, Match: domain.MatchInfo{Initiator: true}}
	f.waitState(t, domain.StateNegotiating)
	assert.False(t, f.handle.Enabled(domain.MediaVideo), "toggle must survive matching")
}

func TestSession_CommandsAfterStopFail(t *testing.T) {
	f := newSessionFixture(t)

	f.cancel()
	select {
	case <-f.runErr:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	f.runErr <- nil // keep cleanup satisfied

	assert.ErrorIs(t, f.svc.Start(), domain.ErrSessionStopped)
}

func TestSession_PartnerLabelExposedInSnapshot(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.svc.Start())
	f.ch.events <- domain.ChannelEvent{
		Kind:  domain.ChannelMatched,
		Match: domain.MatchInfo{Initiator: false, PartnerLabel: "stranger_42"},
	}
	f.waitState(t, domain.StateNegotiating)

	assert.Equal(t, "stranger_42", f.svc.Snapshot().PartnerLabel)
}
