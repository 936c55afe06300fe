package domain

import "time"

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is a state of the call state machine.
type CallStatus string

const (
	StatusIdle       CallStatus = "idle"
	StatusInitiating CallStatus = "initiating"
	StatusRinging    CallStatus = "ringing"
	StatusConnecting CallStatus = "connecting"
	StatusConnected  CallStatus = "connected"
	StatusEnded      CallStatus = "ended"
	StatusDeclined   CallStatus = "declined"
	StatusMissed     CallStatus = "missed"
	StatusBusy       CallStatus = "busy"
)

// IsTerminal reports whether no further transition can leave s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusDeclined, StatusMissed, StatusBusy:
		return true
	}
	return false
}

// IsActive reports whether s belongs to a live (non-idle, non-terminal) call.
func (s CallStatus) IsActive() bool {
	return s != StatusIdle && s != "" && !s.IsTerminal()
}

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// CallSession is the record of the single call owned by the state machine.
// Zero StartedAt/EndedAt mean "not set yet".
type CallSession struct {
	CallID         CallID         `json:"callId"`
	ConversationID ConversationID `json:"conversationId"`
	CallType       CallType       `json:"callType"`
	InitiatorID    UserID         `json:"initiatorId"`
	RecipientID    UserID         `json:"recipientId"`
	Role           Role           `json:"role"`
	Status         CallStatus     `json:"status"`
	StartedAt      time.Time      `json:"startedAt,omitzero"`
	EndedAt        time.Time      `json:"endedAt,omitzero"`
	Duration       time.Duration  `json:"duration,omitempty"`
}

// Snapshot returns a copy that callers may keep.
func (s *CallSession) Snapshot() *CallSession {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// RemoteParty returns the identity of the other participant.
func (s *CallSession) RemoteParty() UserID {
	if s.Role == RoleCaller {
		return s.RecipientID
	}
	return s.InitiatorID
}

// CallParticipant is the presentation of one side of a call. It travels
// inside offers and is never stored on its own.
type CallParticipant struct {
	UserID          UserID `json:"userId"`
	UserName        string `json:"userName,omitempty"`
	DisplayName     string `json:"displayName,omitempty"`
	PhotoURL        string `json:"photoUrl,omitempty"`
	IsMuted         *bool  `json:"isMuted,omitempty"`
	IsVideoOff      *bool  `json:"isVideoOff,omitempty"`
	IsScreenSharing *bool  `json:"isScreenSharing,omitempty"`
}

type EndReasonKind string

const (
	ReasonNormal   EndReasonKind = "normal"
	ReasonDeclined EndReasonKind = "declined"
	ReasonMissed   EndReasonKind = "missed"
	ReasonBusy     EndReasonKind = "busy"
	ReasonError    EndReasonKind = "error"
	ReasonTimeout  EndReasonKind = "timeout"
)

// CallEndReason travels with every termination.
type CallEndReason struct {
	Reason  EndReasonKind `json:"reason"`
	Message string        `json:"message,omitempty"`
}

func NewEndReason(kind EndReasonKind, message string) CallEndReason {
	return CallEndReason{Reason: kind, Message: message}
}

// ConnectionState is the media connection state reported by the negotiation
// engine.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// TransportState is the lifecycle of the signaling channel.
type TransportState string

const (
	TransportConnected    TransportState = "connected"
	TransportReconnecting TransportState = "reconnecting"
	TransportDisconnected TransportState = "disconnected"
)

// RemoteTrack describes a media track received from the remote peer.
type RemoteTrack struct {
	ID       string `json:"id"`
	StreamID string `json:"streamId"`
	Kind     string `json:"kind"`
	Codec    string `json:"codec"`
}
