package service

import (
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// NopObserver ignores every call notification. Embed it to implement only
// part of port.CallObserver.
type NopObserver struct{}

func (NopObserver) OnSessionChanged(*domain.CallSession)                          {}
func (NopObserver) OnIncomingCall(domain.Offer)                                   {}
func (NopObserver) OnCallEnded(domain.CallID, domain.CallEndReason)               {}
func (NopObserver) OnRemoteStateUpdate(domain.StateUpdate)                        {}
func (NopObserver) OnConnectionStateChanged(domain.CallID, domain.ConnectionState) {}
func (NopObserver) OnTransportStateChanged(domain.TransportState)                 {}
func (NopObserver) OnRemoteTrack(domain.CallID, domain.RemoteTrack)               {}

type nopCallMetrics struct{}

func (nopCallMetrics) CallStarted(domain.Role, domain.CallType)                          {}
func (nopCallMetrics) CallConnected(domain.Role, time.Duration)                          {}
func (nopCallMetrics) CallEnded(domain.CallStatus, domain.EndReasonKind, time.Duration) {}
func (nopCallMetrics) StaleEvent(domain.EventKind)                                       {}
