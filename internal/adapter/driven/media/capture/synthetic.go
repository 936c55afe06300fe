package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Source is one captured local track.
type Source interface {
	Track() webrtc.TrackLocal
	Kind() webrtc.RTPCodecType
	SetEnabled(enabled bool)
	Enabled() bool
	// Stop releases the device. It does not fire OnEnded.
	Stop()
	// OnEnded registers f to run when the device ends the capture itself,
	// e.g. the user closing a screen picker.
	OnEnded(f func())
}

// Ender is implemented by sources that can simulate the device ending the
// capture.
type Ender interface {
	End()
}

// Capturer opens local capture devices.
type Capturer interface {
	Microphone(ctx context.Context) (Source, error)
	Camera(ctx context.Context) (Source, error)
	Screen(ctx context.Context) (Source, error)
}

// opus comfort-noise frame
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = time.Second / 15
)

// Synthetic produces generated media so an agent can run without devices:
// silent opus audio and a fixed VP8 payload for camera and screen.
type Synthetic struct {
	streamID string
	noCamera bool
	noScreen bool
}

type SyntheticOption func(*Synthetic)

// WithoutCamera makes Camera fail, as on a machine with no video device.
func WithoutCamera() SyntheticOption {
	return func(s *Synthetic) { s.noCamera = true }
}

// WithoutScreen makes Screen fail, as when the user cancels the picker.
func WithoutScreen() SyntheticOption {
	return func(s *Synthetic) { s.noScreen = true }
}

func NewSynthetic(opts ...SyntheticOption) *Synthetic {
	s := &Synthetic{streamID: "yacall-" + uuid.NewString()[:8]}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synthetic) Microphone(ctx context.Context) (Source, error) {
	return s.open(ctx, "audio", webrtc.MimeTypeOpus, 48000, 2, opusSilence, audioFrame)
}

func (s *Synthetic) Camera(ctx context.Context) (Source, error) {
	if s.noCamera {
		return nil, fmt.Errorf("camera: %w", ErrDeviceUnavailable)
	}
	return s.open(ctx, "camera", webrtc.MimeTypeVP8, 90000, 0, vp8Frame(), videoFrame)
}

func (s *Synthetic) Screen(ctx context.Context) (Source, error) {
	if s.noScreen {
		return nil, fmt.Errorf("screen: %w", ErrDeviceUnavailable)
	}
	return s.open(ctx, "screen", webrtc.MimeTypeVP8, 90000, 0, vp8Frame(), videoFrame)
}

func (s *Synthetic) open(ctx context.Context, id, mime string, clockRate uint32, channels uint16, frame []byte, interval time.Duration) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime, ClockRate: clockRate, Channels: channels},
		id, s.streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", id, err)
	}

	src := &sampleSource{
		track:    track,
		enabled:  true,
		frame:    frame,
		interval: interval,
		quit:     make(chan struct{}),
	}
	go src.pump()
	return src, nil
}

// vp8Frame is a constant keyframe-shaped payload.
func vp8Frame() []byte {
	frame := make([]byte, 64)
	frame[0] = 0x10
	frame[3], frame[4], frame[5] = 0x9d, 0x01, 0x2a
	return frame
}

type sampleSource struct {
	track    *webrtc.TrackLocalStaticSample
	frame    []byte
	interval time.Duration

	mu      sync.Mutex
	enabled bool
	ended   []func()

	quit     chan struct{}
	stopOnce sync.Once
}

func (s *sampleSource) Track() webrtc.TrackLocal { return s.track }

func (s *sampleSource) Kind() webrtc.RTPCodecType { return s.track.Kind() }

func (s *sampleSource) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *sampleSource) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *sampleSource) OnEnded(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, f)
}

func (s *sampleSource) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

// End stops the source as if the device went away and fires OnEnded.
func (s *sampleSource) End() {
	s.Stop()
	s.mu.Lock()
	callbacks := s.ended
	s.ended = nil
	s.mu.Unlock()
	for _, f := range callbacks {
		f()
	}
}

// pump writes one frame per interval while enabled. A disabled source
// sends nothing, like a muted track.
func (s *sampleSource) pump() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if !s.Enabled() {
				continue
			}
			if err := s.track.WriteSample(media.Sample{Data: s.frame, Duration: s.interval}); err != nil {
				log.Debug().Err(err).Str("track_id", s.track.ID()).Msg("Sample write failed")
			}
		}
	}
}
