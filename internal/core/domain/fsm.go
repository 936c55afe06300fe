package domain

import "fmt"

// Event is anything the call state machine reacts to: signals from the
// remote peer, local commands, media callbacks, timer fires and completions
// of asynchronous steps.
type Event interface {
	Kind() EventKind
}

type EventKind string

// Remote signals.
const (
	KindOffer       EventKind = "offer"
	KindAnswer      EventKind = "answer"
	KindCandidate   EventKind = "candidate"
	KindReject      EventKind = "reject"
	KindEnd         EventKind = "end"
	KindBusy        EventKind = "busy"
	KindStateUpdate EventKind = "stateUpdate"
)

// Local commands.
const (
	KindInitiate EventKind = "initiate"
	KindAccept   EventKind = "accept"
	KindDecline  EventKind = "decline"
	KindHangup   EventKind = "hangup"
	KindToggle   EventKind = "toggle"
)

// Completions, media callbacks, timers and transport lifecycle.
const (
	KindOfferSent         EventKind = "offerSent"
	KindAnswerSent        EventKind = "answerSent"
	KindNegotiationFailed EventKind = "negotiationFailed"
	KindLocalCandidate    EventKind = "localCandidate"
	KindMediaConnected    EventKind = "mediaConnected"
	KindMediaDisconnected EventKind = "mediaDisconnected"
	KindMediaFailed       EventKind = "mediaFailed"
	KindRemoteTrack       EventKind = "remoteTrack"
	KindScreenShareEnded  EventKind = "screenShareEnded"
	KindRingingTimeout    EventKind = "ringingTimeout"
	KindConnectingTimeout EventKind = "connectingTimeout"
	KindTransportState    EventKind = "transportState"
)

// TransportStateChanged is raised by the signaling transport. It never
// changes the call status.
type TransportStateChanged struct {
	State TransportState
}

func (TransportStateChanged) Kind() EventKind { return KindTransportState }

type transitionKey struct {
	from CallStatus
	role Role
	kind EventKind
}

var activeStatuses = []CallStatus{StatusInitiating, StatusRinging, StatusConnecting, StatusConnected}

// transitions is the complete set of legal (status, role, event) triples.
// Anything absent is a stale or illegal event for the current call.
var transitions = buildTransitions()

func buildTransitions() map[transitionKey]CallStatus {
	t := make(map[transitionKey]CallStatus)
	add := func(from CallStatus, kind EventKind, to CallStatus, roles ...Role) {
		for _, r := range roles {
			t[transitionKey{from: from, role: r, kind: kind}] = to
		}
	}

	// caller path
	add(StatusIdle, KindInitiate, StatusInitiating, RoleCaller)
	add(StatusInitiating, KindOfferSent, StatusRinging, RoleCaller)
	add(StatusInitiating, KindNegotiationFailed, StatusEnded, RoleCaller)
	add(StatusRinging, KindAnswer, StatusConnecting, RoleCaller)

	// callee path
	add(StatusIdle, KindOffer, StatusRinging, RoleCallee)
	add(StatusRinging, KindAccept, StatusConnecting, RoleCallee)
	add(StatusRinging, KindDecline, StatusDeclined, RoleCallee)
	add(StatusConnecting, KindAnswerSent, StatusConnecting, RoleCallee)

	// shared
	add(StatusRinging, KindRingingTimeout, StatusMissed, RoleCaller, RoleCallee)
	add(StatusConnecting, KindNegotiationFailed, StatusEnded, RoleCaller, RoleCallee)
	add(StatusConnecting, KindConnectingTimeout, StatusEnded, RoleCaller, RoleCallee)
	add(StatusConnecting, KindMediaConnected, StatusConnected, RoleCaller, RoleCallee)
	add(StatusConnecting, KindMediaFailed, StatusEnded, RoleCaller, RoleCallee)
	add(StatusConnected, KindMediaFailed, StatusEnded, RoleCaller, RoleCallee)
	add(StatusConnected, KindMediaDisconnected, StatusConnected, RoleCaller, RoleCallee)
	add(StatusConnected, KindToggle, StatusConnected, RoleCaller, RoleCallee)
	add(StatusConnected, KindScreenShareEnded, StatusConnected, RoleCaller, RoleCallee)
	add(StatusConnecting, KindRemoteTrack, StatusConnecting, RoleCaller, RoleCallee)
	add(StatusConnected, KindRemoteTrack, StatusConnected, RoleCaller, RoleCallee)

	for _, s := range activeStatuses {
		add(s, KindEnd, StatusEnded, RoleCaller, RoleCallee)
		add(s, KindHangup, StatusEnded, RoleCaller, RoleCallee)
		add(s, KindReject, StatusDeclined, RoleCaller)
		add(s, KindBusy, StatusBusy, RoleCaller)
		add(s, KindCandidate, s, RoleCaller, RoleCallee)
		add(s, KindLocalCandidate, s, RoleCaller, RoleCallee)
		add(s, KindStateUpdate, s, RoleCaller, RoleCallee)
	}
	return t
}

// NextStatus returns the status reached when an event of the given kind is
// applied to a call in status from, played by role. ok is false when the
// combination is not allowed.
func NextStatus(from CallStatus, role Role, kind EventKind) (next CallStatus, ok bool) {
	next, ok = transitions[transitionKey{from: from, role: role, kind: kind}]
	return next, ok
}

// Transition is NextStatus with an error describing the rejected triple.
func Transition(from CallStatus, role Role, kind EventKind) (CallStatus, error) {
	next, ok := NextStatus(from, role, kind)
	if !ok {
		return from, fmt.Errorf("%w: %s as %s in %s", ErrInvalidTransition, kind, role, from)
	}
	return next, nil
}
