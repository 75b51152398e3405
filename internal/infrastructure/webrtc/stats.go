package webrtc

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"novalink/internal/core/domain"
)

// TrackStats is a point-in-time view of one media direction.
type TrackStats struct {
	Packets      uint64
	Bytes        uint64
	SeqGaps      uint64
	LastSequence uint16
	// FractionLost is the most recent loss report from the partner,
	// as an 8-bit fixed point fraction.
	FractionLost uint8
}

// linkMonitor drains inbound RTP and partner RTCP reports for one peer link.
// Draining is mandatory with pion: unread packets stall the interceptors.
// The per-track loops exit when the peer connection closes underneath them.
type linkMonitor struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	inbound map[domain.MediaKind]*TrackStats
	reports map[domain.MediaKind]*TrackStats
	stopped bool
}

func newLinkMonitor(logger *zap.SugaredLogger) *linkMonitor {
	return &linkMonitor{
		logger:  logger,
		inbound: make(map[domain.MediaKind]*TrackStats),
		reports: make(map[domain.MediaKind]*TrackStats),
	}
}

// watchRemoteTrack consumes one inbound track until it ends.
func (m *linkMonitor) watchRemoteTrack(kind domain.MediaKind, track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Debugw("remote track read ended", "kind", kind, "error", err)
			}
			return
		}
		m.recordInbound(kind, pkt)
	}
}

// watchSenderReports consumes partner receiver reports for one outbound
// track.
func (m *linkMonitor) watchSenderReports(kind domain.MediaKind, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				m.recordReport(kind, report.FractionLost)
			}
		}
	}
}

func (m *linkMonitor) recordInbound(kind domain.MediaKind, pkt *rtp.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	st, ok := m.inbound[kind]
	if !ok {
		st = &TrackStats{LastSequence: pkt.SequenceNumber}
		m.inbound[kind] = st
	} else if next := st.LastSequence + 1; pkt.SequenceNumber != next {
		// Counts reorderings as gaps too; good enough for a health signal.
		st.SeqGaps++
	}
	st.Packets++
	st.Bytes += uint64(len(pkt.Payload))
	st.LastSequence = pkt.SequenceNumber
}

func (m *linkMonitor) recordReport(kind domain.MediaKind, fractionLost uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	st, ok := m.reports[kind]
	if !ok {
		st = &TrackStats{}
		m.reports[kind] = st
	}
	st.FractionLost = fractionLost
}

// InboundStats returns a copy of the stats for one inbound kind.
func (m *linkMonitor) InboundStats(kind domain.MediaKind) (TrackStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.inbound[kind]
	if !ok {
		return TrackStats{}, false
	}
	return *st, true
}

// OutboundLoss returns the partner's latest loss report for one kind.
func (m *linkMonitor) OutboundLoss(kind domain.MediaKind) (uint8, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.reports[kind]
	if !ok {
		return 0, false
	}
	return st.FractionLost, true
}

func (m *linkMonitor) stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}
