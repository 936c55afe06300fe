package domain

import "errors"

// Call state machine errors.
var (
	// ErrAlreadyInCall rejects a new call while a non-terminal one exists.
	ErrAlreadyInCall = errors.New("already in a call")

	// ErrNoActiveCall indicates there is no call matching the command.
	ErrNoActiveCall = errors.New("no active call")

	// ErrNotConnected rejects mid-call commands outside the connected state.
	ErrNotConnected = errors.New("call is not connected")

	// ErrInvalidTransition indicates an event not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStaleEvent marks an inbound event that does not match the current call.
	ErrStaleEvent = errors.New("stale event ignored")

	// ErrInvalidCallType indicates a call type other than audio or video.
	ErrInvalidCallType = errors.New("invalid call type")

	// ErrServiceStopped is returned by commands issued after shutdown.
	ErrServiceStopped = errors.New("call service stopped")
)

// Negotiation errors.
var (
	// ErrNegotiationFailure wraps capture or session description failures.
	ErrNegotiationFailure = errors.New("media negotiation failed")

	// ErrConnectionTimeout indicates the media connection never came up.
	ErrConnectionTimeout = errors.New("connection timed out")

	// ErrNotInitialized indicates the negotiation context does not exist.
	ErrNotInitialized = errors.New("negotiation context not initialized")

	// ErrNoVideoSender indicates there is no negotiated video track to replace.
	ErrNoVideoSender = errors.New("no outgoing video track")
)

// Signaling errors.
var (
	// ErrTransportNotConnected indicates the signaling channel is down.
	ErrTransportNotConnected = errors.New("signaling transport not connected")

	// ErrUnknownEvent indicates a message name the codec does not know.
	ErrUnknownEvent = errors.New("unknown signaling event")

	// ErrRouteNotFound indicates the relay has no route for a call ID.
	ErrRouteNotFound = errors.New("call route not found")

	// ErrUserOffline indicates the addressed user has no live connection.
	ErrUserOffline = errors.New("user offline")

	// ErrNotParticipant rejects a signal from a user outside the call.
	ErrNotParticipant = errors.New("sender is not a participant of the call")
)
