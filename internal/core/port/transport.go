package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// SignalingTransport delivers call signals to the remote party. Delivery is
// ordered and reliable while connected.
type SignalingTransport interface {
	SendOffer(ctx context.Context, offer domain.Offer) error
	SendAnswer(ctx context.Context, answer domain.Answer) error
	SendCandidate(ctx context.Context, candidate domain.Candidate) error
	SendReject(ctx context.Context, reject domain.Reject) error
	SendEnd(ctx context.Context, end domain.End) error
	SendBusy(ctx context.Context, busy domain.Busy) error
	SendStateUpdate(ctx context.Context, update domain.StateUpdate) error
}

// SignalSink accepts inbound signals and transport lifecycle changes.
type SignalSink interface {
	HandleEvent(ev domain.Event)
}
