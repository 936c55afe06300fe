package port

import (
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// CallObserver is notified on the call loop goroutine. Implementations must
// not block.
type CallObserver interface {
	OnSessionChanged(session *domain.CallSession)
	OnIncomingCall(offer domain.Offer)
	OnCallEnded(callID domain.CallID, reason domain.CallEndReason)
	OnRemoteStateUpdate(update domain.StateUpdate)
	OnConnectionStateChanged(callID domain.CallID, state domain.ConnectionState)
	OnTransportStateChanged(state domain.TransportState)
	OnRemoteTrack(callID domain.CallID, track domain.RemoteTrack)
}

type CallMetrics interface {
	CallStarted(role domain.Role, callType domain.CallType)
	CallConnected(role domain.Role, setup time.Duration)
	CallEnded(status domain.CallStatus, reason domain.EndReasonKind, duration time.Duration)
	StaleEvent(kind domain.EventKind)
}

type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	SignalRelayed(kind domain.EventKind, outcome string)
}
