package webrtc

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"novalink/internal/core/domain"
)

func rtpPacket(seq uint16, payload int) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{SequenceNumber: seq},
		Payload: make([]byte, payload),
	}
}

func TestLinkMonitor_CountsPacketsAndBytes(t *testing.T) {
	m := newLinkMonitor(zap.NewNop().Sugar())

	m.recordInbound(domain.MediaAudio, rtpPacket(100, 10))
	m.recordInbound(domain.MediaAudio, rtpPacket(101, 20))
	m.recordInbound(domain.MediaAudio, rtpPacket(102, 30))

	st, ok := m.InboundStats(domain.MediaAudio)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), st.Packets)
	assert.Equal(t, uint64(60), st.Bytes)
	assert.Zero(t, st.SeqGaps)
	assert.Equal(t, uint16(102), st.LastSequence)
}

func TestLinkMonitor_DetectsSequenceGaps(t *testing.T) {
	m := newLinkMonitor(zap.NewNop().Sugar())

	m.recordInbound(domain.MediaVideo, rtpPacket(10, 1))
	m.recordInbound(domain.MediaVideo, rtpPacket(13, 1)) // 11, 12 lost
	m.recordInbound(domain.MediaVideo, rtpPacket(14, 1))

	st, _ := m.InboundStats(domain.MediaVideo)
	assert.Equal(t, uint64(1), st.SeqGaps)
}

func TestLinkMonitor_SequenceWrapIsNotAGap(t *testing.T) {
	m := newLinkMonitor(zap.NewNop().Sugar())

	m.recordInbound(domain.MediaAudio, rtpPacket(65535, 1))
	m.recordInbound(domain.MediaAudio, rtpPacket(0, 1))

	st, _ := m.InboundStats(domain.MediaAudio)
	assert.Zero(t, st.SeqGaps)
}

func TestLinkMonitor_TracksPartnerLossReports(t *testing.T) {
	m := newLinkMonitor(zap.NewNop().Sugar())

	_, ok := m.OutboundLoss(domain.MediaVideo)
	assert.False(t, ok)

	m.recordReport(domain.MediaVideo, 12)
	loss, ok := m.OutboundLoss(domain.MediaVideo)
	assert.True(t, ok)
	assert.Equal(t, uint8(12), loss)
}

func TestLinkMonitor_StopFreezesStats(t *testing.T) {
	m := newLinkMonitor(zap.NewNop().Sugar())
	m.recordInbound(domain.MediaAudio, rtpPacket(1, 1))
	m.stop()
	m.recordInbound(domain.MediaAudio, rtpPacket(2, 1))

	st, _ := m.InboundStats(domain.MediaAudio)
	assert.Equal(t, uint64(1), st.Packets)
}
