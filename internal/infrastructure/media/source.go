package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	// Capture drivers register themselves on import.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"

	"novalink/internal/core/domain"
	"novalink/internal/core/ports"
	"novalink/pkg/config"
	apperrors "novalink/pkg/errors"
)

// capturedTrack is the slice of a capture track the handle needs. It is what
// mediadevices.Track already provides; tests substitute their own.
type capturedTrack interface {
	webrtc.TrackLocal
	Close() error
}

// rung is one step of the constraint ladder.
type rung struct {
	name      string
	audio     bool
	video     bool
	width     int
	height    int
	frameRate int
}

// captureFunc opens devices for one rung. Injectable so the ladder logic is
// testable without hardware.
type captureFunc func(r rung) ([]capturedTrack, error)

// Source acquires local capture by walking a constraint ladder: the
// configured resolution first, then a reduced one, then whatever the camera
// offers, then single-device fallbacks (audio only, video only). It fails
// only when every rung fails.
type Source struct {
	cfg      *config.Config
	selector *mediadevices.CodecSelector
	capture  captureFunc
	logger   *zap.SugaredLogger
}

var _ ports.MediaSource = (*Source)(nil)

// NewSource prepares the VP8/Opus capture pipeline.
func NewSource(cfg *config.Config, logger *zap.SugaredLogger) (*Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	s := &Source{cfg: cfg, selector: selector, logger: logger}
	s.capture = s.getUserMedia
	return s, nil
}

// Populate registers the capture codecs with a peer connection media engine.
func (s *Source) Populate(engine *webrtc.MediaEngine) {
	s.selector.Populate(engine)
}

func (s *Source) ladder() []rung {
	return []rung{
		{name: "configured", audio: true, video: true, width: s.cfg.Media.Width, height: s.cfg.Media.Height, frameRate: s.cfg.Media.FrameRate},
		{name: "reduced", audio: true, video: true, width: 640, height: 480, frameRate: 24},
		{name: "any_camera", audio: true, video: true},
		{name: "audio_only", audio: true},
		{name: "video_only", video: true},
	}
}

// Acquire walks the ladder until a rung succeeds.
func (s *Source) Acquire(ctx context.Context) (ports.MediaHandle, error) {
	var lastErr error
	for _, r := range s.ladder() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tracks, err := s.capture(r)
		if err != nil {
			lastErr = err
			s.logger.Warnw("capture rung failed", "rung", r.name, "error", err)
			continue
		}
		s.logger.Infow("capture acquired", "rung", r.name, "tracks", len(tracks))
		return newHandle(tracks), nil
	}
	return nil, apperrors.NewDeviceUnavailableError(lastErr)
}

func (s *Source) getUserMedia(r rung) ([]capturedTrack, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: s.selector,
	}
	if r.audio {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {}
	}
	if r.video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			if r.width > 0 {
				c.Width = prop.Int(r.width)
				c.Height = prop.Int(r.height)
			}
			if r.frameRate > 0 {
				c.FrameRate = prop.Float(r.frameRate)
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	tracks := make([]capturedTrack, 0, 2)
	for _, t := range stream.GetTracks() {
		tracks = append(tracks, t)
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("capture produced no tracks")
	}
	return tracks, nil
}

// Handle owns the live capture tracks for the whole session. The same tracks
// are re-attached across skips and re-matches; Release closes the devices.
type Handle struct {
	mu       sync.Mutex
	tracks   map[domain.MediaKind]capturedTrack
	enabled  map[domain.MediaKind]bool
	released bool
}

var _ ports.MediaHandle = (*Handle)(nil)

func newHandle(tracks []capturedTrack) *Handle {
	h := &Handle{
		tracks:  make(map[domain.MediaKind]capturedTrack, len(tracks)),
		enabled: make(map[domain.MediaKind]bool, len(tracks)),
	}
	for _, t := range tracks {
		kind := domain.MediaAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = domain.MediaVideo
		}
		h.tracks[kind] = t
		h.enabled[kind] = true
	}
	return h
}

// Tracks returns the local tracks in a stable order: audio, then video.
func (h *Handle) Tracks() []webrtc.TrackLocal {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(h.tracks))
	for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		if t, ok := h.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (h *Handle) HasVideo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.tracks[domain.MediaVideo]
	return ok
}

// SetEnabled records the desired toggle state for one kind. The live mute is
// done on the peer link; the handle remembers the state so a future link
// attaches correctly.
func (h *Handle) SetEnabled(kind domain.MediaKind, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return domain.ErrMediaReleased
	}
	if _, ok := h.tracks[kind]; !ok {
		return nil
	}
	h.enabled[kind] = enabled
	return nil
}

func (h *Handle) Enabled(kind domain.MediaKind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled[kind]
}

// Release closes all capture devices. Idempotent.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true

	var firstErr error
	for kind, t := range h.tracks {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s track: %w", kind, err)
		}
	}
	return firstErr
}

func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.released
}
