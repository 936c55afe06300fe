package service

import "github.com/Wyydra/yacall/internal/core/domain"

// Internal events of the call loop. Remote signals and transport lifecycle
// changes arrive as the domain types themselves.

const (
	kindOfferReady    domain.EventKind = "offerReady"
	kindAnswerReady   domain.EventKind = "answerReady"
	kindScreenStarted domain.EventKind = "screenShareStarted"
	kindMediaProgress domain.EventKind = "mediaProgress"
)

type reply[T any] struct {
	val T
	err error
}

type initiateCmd struct {
	to             domain.CallParticipant
	conversationID domain.ConversationID
	callType       domain.CallType
	reply          chan reply[domain.CallID]
}

type acceptCmd struct {
	callID domain.CallID
	reply  chan reply[struct{}]
}

type declineCmd struct {
	reason string
	reply  chan reply[struct{}]
}

type hangupCmd struct {
	reason string
	reply  chan reply[struct{}]
}

type toggleTarget int

const (
	toggleAudio toggleTarget = iota
	toggleVideo
	toggleScreen
)

type toggleCmd struct {
	target toggleTarget
	reply  chan reply[bool]
}

func (initiateCmd) Kind() domain.EventKind { return domain.KindInitiate }
func (acceptCmd) Kind() domain.EventKind   { return domain.KindAccept }
func (declineCmd) Kind() domain.EventKind  { return domain.KindDecline }
func (hangupCmd) Kind() domain.EventKind   { return domain.KindHangup }
func (toggleCmd) Kind() domain.EventKind   { return domain.KindToggle }

// Completions of work done off the loop carry the generation of the call
// that started it.

type offerReady struct {
	gen uint64
	sdp domain.SessionDescription
	err error
}

type offerSent struct {
	gen uint64
	err error
}

type answerReady struct {
	gen uint64
	sdp domain.SessionDescription
	err error
}

type answerSent struct {
	gen uint64
	err error
}

type screenShareStarted struct {
	gen   uint64
	err   error
	reply chan reply[bool]
}

func (offerReady) Kind() domain.EventKind         { return kindOfferReady }
func (offerSent) Kind() domain.EventKind          { return domain.KindOfferSent }
func (answerReady) Kind() domain.EventKind        { return kindAnswerReady }
func (answerSent) Kind() domain.EventKind         { return domain.KindAnswerSent }
func (screenShareStarted) Kind() domain.EventKind { return kindScreenStarted }

// Negotiator callbacks.

type localCandidate struct {
	gen       uint64
	candidate domain.ICECandidate
}

type mediaStateChanged struct {
	gen   uint64
	state domain.ConnectionState
}

type remoteTrackAdded struct {
	gen   uint64
	track domain.RemoteTrack
}

type screenShareEnded struct {
	gen uint64
}

func (localCandidate) Kind() domain.EventKind   { return domain.KindLocalCandidate }
func (remoteTrackAdded) Kind() domain.EventKind { return domain.KindRemoteTrack }
func (screenShareEnded) Kind() domain.EventKind { return domain.KindScreenShareEnded }

func (e mediaStateChanged) Kind() domain.EventKind {
	switch e.state {
	case domain.ConnectionConnected:
		return domain.KindMediaConnected
	case domain.ConnectionDisconnected:
		return domain.KindMediaDisconnected
	case domain.ConnectionFailed, domain.ConnectionClosed:
		return domain.KindMediaFailed
	}
	return kindMediaProgress
}

type timerFired struct {
	purpose timerPurpose
	id      uint64
}

func (e timerFired) Kind() domain.EventKind {
	if e.purpose == ringingTimer {
		return domain.KindRingingTimeout
	}
	return domain.KindConnectingTimeout
}

// callHandler feeds the callbacks of one call's negotiator into the loop.
type callHandler struct {
	svc *CallService
	gen uint64
}

func (h callHandler) OnLocalCandidate(c domain.ICECandidate) {
	h.svc.post(localCandidate{gen: h.gen, candidate: c})
}

func (h callHandler) OnConnectionStateChange(state domain.ConnectionState) {
	h.svc.post(mediaStateChanged{gen: h.gen, state: state})
}

func (h callHandler) OnScreenShareEnded() {
	h.svc.post(screenShareEnded{gen: h.gen})
}

func (h callHandler) OnRemoteTrack(track domain.RemoteTrack) {
	h.svc.post(remoteTrackAdded{gen: h.gen, track: track})
}
