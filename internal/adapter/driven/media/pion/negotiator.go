package pion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/media/capture"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultICEServers are used when none are configured.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const defaultStatsInterval = 2 * time.Second

// Factory builds one Negotiator per call on a shared pion API.
// implements port.NegotiatorFactory
type Factory struct {
	api           *webrtc.API
	config        webrtc.Configuration
	capturer      capture.Capturer
	statsInterval time.Duration
}

type FactoryOption func(*factoryOptions)

type factoryOptions struct {
	loopback      bool
	statsInterval time.Duration
}

// WithLoopbackCandidates gathers candidates on loopback interfaces, which
// lets two agents on one host connect without a network.
func WithLoopbackCandidates() FactoryOption {
	return func(o *factoryOptions) { o.loopback = true }
}

func WithStatsInterval(d time.Duration) FactoryOption {
	return func(o *factoryOptions) { o.statsInterval = d }
}

func NewFactory(iceServers []string, capturer capture.Capturer, opts ...FactoryOption) (*Factory, error) {
	o := factoryOptions{statsInterval: defaultStatsInterval}
	for _, opt := range opts {
		opt(&o)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}
	settings := webrtc.SettingEngine{}
	if o.loopback {
		settings.SetIncludeLoopbackCandidate(true)
	}

	var servers []webrtc.ICEServer
	if len(iceServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: iceServers})
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithSettingEngine(settings),
			webrtc.WithInterceptorRegistry(i),
		),
		config:        webrtc.Configuration{ICEServers: servers},
		capturer:      capturer,
		statsInterval: o.statsInterval,
	}, nil
}

func (f *Factory) NewNegotiator(callID domain.CallID, handler port.NegotiationHandler) (port.MediaNegotiator, error) {
	return &Negotiator{
		callID:        callID,
		api:           f.api,
		config:        f.config,
		capturer:      f.capturer,
		handler:       handler,
		statsInterval: f.statsInterval,
		l:             log.With().Str("call_id", callID.String()).Logger(),
	}, nil
}

// Negotiator wraps the peer connection of one call. Pion callbacks never
// take mu; they only consult closed, so pion calls may be made under mu.
// implements port.MediaNegotiator
type Negotiator struct {
	callID        domain.CallID
	api           *webrtc.API
	config        webrtc.Configuration
	capturer      capture.Capturer
	handler       port.NegotiationHandler
	statsInterval time.Duration
	l             zerolog.Logger

	closed  atomic.Bool
	pending domain.PendingCandidateQueue

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	remoteSet   bool
	mic         capture.Source
	camera      capture.Source
	screen      capture.Source
	videoSender *webrtc.RTPSender
	muted       bool
	videoOff    bool

	statsMu   sync.Mutex
	statsStop chan struct{}
}

func (n *Negotiator) Initialize() error {
	if n.closed.Load() {
		return domain.ErrNotInitialized
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc != nil {
		return nil
	}

	pc, err := n.api.NewPeerConnection(n.config)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || n.closed.Load() {
			return
		}
		n.handler.OnLocalCandidate(fromICEInit(c.ToJSON()))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if n.closed.Load() {
			return
		}
		state := connectionState(s)
		n.l.Debug().Str("state", string(state)).Msg("Peer connection state changed")
		if state == domain.ConnectionConnected {
			n.startStats(pc)
		} else {
			n.stopStats()
		}
		n.handler.OnConnectionStateChange(state)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		n.l.Debug().Str("state", s.String()).Msg("ICE connection state changed")
	})
	pc.OnICEGatheringStateChange(func(s webrtc.ICEGatheringState) {
		n.l.Debug().Str("state", s.String()).Msg("ICE gathering state changed")
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if n.closed.Load() {
			return
		}
		n.l.Debug().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("Received remote track")

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			if err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			}); err != nil {
				n.l.Debug().Err(err).Msg("Failed to request keyframe")
			}
		}
		go drain(track)

		n.handler.OnRemoteTrack(domain.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
			Codec:    track.Codec().MimeType,
		})
	})

	n.pc = pc
	return nil
}

// drain keeps reading so the interceptors see the packets.
func drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

// readRTCP empties the sender's RTCP stream.
func readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (n *Negotiator) AcquireMedia(ctx context.Context, audioOnly bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil || n.closed.Load() {
		return domain.ErrNotInitialized
	}
	if n.mic != nil {
		return nil
	}

	mic, err := n.capturer.Microphone(ctx)
	if err != nil {
		return fmt.Errorf("microphone: %w", err)
	}
	sender, err := n.pc.AddTrack(mic.Track())
	if err != nil {
		mic.Stop()
		return fmt.Errorf("failed to add audio track: %w", err)
	}
	go readRTCP(sender)
	n.mic = mic

	if audioOnly {
		_, err := n.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		return err
	}

	camera, err := n.capturer.Camera(ctx)
	if err != nil {
		n.l.Warn().Err(err).Msg("Camera unavailable, continuing with audio only")
		n.videoOff = true
		_, err := n.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		return err
	}
	sender, err = n.pc.AddTrack(camera.Track())
	if err != nil {
		camera.Stop()
		return fmt.Errorf("failed to add video track: %w", err)
	}
	go readRTCP(sender)
	n.camera = camera
	n.videoSender = sender
	return nil
}

func (n *Negotiator) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil || n.closed.Load() {
		return domain.SessionDescription{}, domain.ErrNotInitialized
	}

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: offer.SDP}, nil
}

func (n *Negotiator) AcceptOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil || n.closed.Load() {
		return domain.SessionDescription{}, domain.ErrNotInitialized
	}

	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set remote offer: %w", err)
	}
	n.remoteSet = true
	n.flushPending()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (n *Negotiator) ApplyAnswer(answer domain.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil || n.closed.Load() {
		return domain.ErrNotInitialized
	}
	if n.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		n.l.Debug().Str("signaling_state", n.pc.SignalingState().String()).Msg("Ignoring answer without a pending offer")
		return nil
	}

	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	n.remoteSet = true
	n.flushPending()
	return nil
}

func (n *Negotiator) AddRemoteCandidate(c domain.ICECandidate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed.Load() {
		return domain.ErrNotInitialized
	}
	if n.pc == nil || !n.remoteSet {
		n.pending.Push(c)
		return nil
	}
	return n.pc.AddICECandidate(toICEInit(c))
}

// flushPending must be called with mu held, right after a remote
// description was applied.
func (n *Negotiator) flushPending() {
	count, errs := n.pending.Drain(func(c domain.ICECandidate) error {
		return n.pc.AddICECandidate(toICEInit(c))
	})
	for _, err := range errs {
		n.l.Warn().Err(err).Msg("Failed to apply queued candidate")
	}
	if count > 0 {
		n.l.Debug().Int("count", count).Msg("Applied queued candidates")
	}
}

func (n *Negotiator) ToggleAudio() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.muted = !n.muted
	if n.mic != nil {
		n.mic.SetEnabled(!n.muted)
	}
	return n.muted
}

func (n *Negotiator) ToggleVideo() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.videoOff = !n.videoOff
	if n.camera != nil {
		n.camera.SetEnabled(!n.videoOff)
	}
	return n.videoOff
}

// StartScreenShare swaps the outgoing video track for a screen capture.
// No renegotiation happens.
func (n *Negotiator) StartScreenShare(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil || n.closed.Load() {
		return domain.ErrNotInitialized
	}
	if n.videoSender == nil {
		return domain.ErrNoVideoSender
	}
	if n.screen != nil {
		return nil
	}

	screen, err := n.capturer.Screen(ctx)
	if err != nil {
		return fmt.Errorf("screen capture: %w", err)
	}
	if err := n.videoSender.ReplaceTrack(screen.Track()); err != nil {
		screen.Stop()
		return fmt.Errorf("failed to replace video track: %w", err)
	}
	screen.OnEnded(func() {
		n.mu.Lock()
		current := n.screen == screen
		n.mu.Unlock()
		if current && !n.closed.Load() {
			n.handler.OnScreenShareEnded()
		}
	})
	n.screen = screen
	return nil
}

// StopScreenShare puts the camera track back.
func (n *Negotiator) StopScreenShare() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.screen == nil {
		return nil
	}

	var camera webrtc.TrackLocal
	if n.camera != nil {
		camera = n.camera.Track()
	}
	if n.videoSender != nil {
		if err := n.videoSender.ReplaceTrack(camera); err != nil {
			return fmt.Errorf("failed to restore camera track: %w", err)
		}
	}
	n.screen.Stop()
	n.screen = nil
	return nil
}

func (n *Negotiator) IsScreenSharing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.screen != nil
}

func (n *Negotiator) ConnectionState() domain.ConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil {
		return domain.ConnectionNew
	}
	return connectionState(n.pc.ConnectionState())
}

func (n *Negotiator) Cleanup() {
	if n.closed.Swap(true) {
		return
	}
	n.stopStats()

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, src := range []capture.Source{n.screen, n.camera, n.mic} {
		if src != nil {
			src.Stop()
		}
	}
	n.screen, n.camera, n.mic = nil, nil, nil
	n.videoSender = nil
	n.pending.Clear()

	if n.pc != nil {
		if err := n.pc.Close(); err != nil {
			n.l.Warn().Err(err).Msg("Failed to close peer connection")
		}
		n.pc = nil
	}
	n.l.Debug().Msg("Negotiation context released")
}

func (n *Negotiator) startStats(pc *webrtc.PeerConnection) {
	if n.statsInterval <= 0 {
		return
	}
	n.statsMu.Lock()
	defer n.statsMu.Unlock()
	// Cleanup may have stopped stats after the callback checked closed.
	if n.statsStop != nil || n.closed.Load() {
		return
	}
	stop := make(chan struct{})
	n.statsStop = stop

	go func() {
		ticker := time.NewTicker(n.statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n.logStats(pc.GetStats())
			}
		}
	}()
}

func (n *Negotiator) stopStats() {
	n.statsMu.Lock()
	defer n.statsMu.Unlock()
	if n.statsStop != nil {
		close(n.statsStop)
		n.statsStop = nil
	}
}

func (n *Negotiator) logStats(report webrtc.StatsReport) {
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			n.l.Debug().Str("kind", st.Kind).Uint64("bytes_sent", st.BytesSent).Msg("Outbound media")
		case webrtc.InboundRTPStreamStats:
			n.l.Debug().Str("kind", st.Kind).Uint64("bytes_received", st.BytesReceived).Msg("Inbound media")
		}
	}
}

func connectionState(s webrtc.PeerConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	}
	return domain.ConnectionNew
}

func toICEInit(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromICEInit(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
