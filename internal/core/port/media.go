package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// MediaNegotiator owns the media negotiation context of exactly one call.
// Instances are created by a NegotiatorFactory when the call session is
// created and are discarded after Cleanup.
type MediaNegotiator interface {
	// Initialize creates the negotiation context. Remote candidates added
	// before Initialize are queued.
	Initialize() error

	// AcquireMedia captures local media and attaches it to the context.
	// Video capture failures fall back to audio only.
	AcquireMedia(ctx context.Context, audioOnly bool) error

	// CreateOffer produces and applies the local offer.
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)

	// AcceptOffer applies the remote offer, flushes queued candidates and
	// produces the local answer.
	AcceptOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)

	// ApplyAnswer applies the remote answer and flushes queued candidates.
	ApplyAnswer(answer domain.SessionDescription) error

	// AddRemoteCandidate applies a candidate, or queues it while no remote
	// description is applied.
	AddRemoteCandidate(c domain.ICECandidate) error

	// ToggleAudio flips the microphone and reports whether it is now muted.
	ToggleAudio() bool

	// ToggleVideo flips the camera and reports whether it is now off.
	ToggleVideo() bool

	StartScreenShare(ctx context.Context) error
	StopScreenShare() error
	IsScreenSharing() bool

	ConnectionState() domain.ConnectionState

	// Cleanup releases everything. It is idempotent.
	Cleanup()
}

// NegotiationHandler receives the callbacks of a MediaNegotiator. Calls may
// come from any goroutine.
type NegotiationHandler interface {
	OnLocalCandidate(c domain.ICECandidate)
	OnConnectionStateChange(state domain.ConnectionState)
	OnScreenShareEnded()
	OnRemoteTrack(track domain.RemoteTrack)
}

type NegotiatorFactory interface {
	NewNegotiator(callID domain.CallID, handler NegotiationHandler) (MediaNegotiator, error)
}
