package domain

// SessionDescription is one half of the offer/answer handshake.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

// ICECandidate is a network-path candidate in its JSON init form.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Signal is a signaling message exchanged between the two peers. Every
// signal is addressed by call ID and is also an Event of the state machine.
type Signal interface {
	Event
	SignalCallID() CallID
}

type Offer struct {
	CallID         CallID             `json:"callId"`
	ConversationID ConversationID     `json:"conversationId"`
	CallType       CallType           `json:"callType"`
	From           CallParticipant    `json:"from"`
	To             CallParticipant    `json:"to"`
	SDP            SessionDescription `json:"sdp"`
}

type Answer struct {
	CallID CallID             `json:"callId"`
	SDP    SessionDescription `json:"sdp"`
}

type Candidate struct {
	CallID    CallID       `json:"callId"`
	Candidate ICECandidate `json:"candidate"`
}

type Reject struct {
	CallID CallID `json:"callId"`
	Reason string `json:"reason"`
}

type End struct {
	CallID  CallID `json:"callId"`
	EndedBy UserID `json:"endedBy"`
	Reason  string `json:"reason"`
}

type Busy struct {
	CallID CallID `json:"callId"`
}

// StateUpdate carries the sender's mid-call flags. Nil fields are unchanged.
type StateUpdate struct {
	CallID          CallID `json:"callId"`
	UserID          UserID `json:"userId,omitempty"`
	IsMuted         *bool  `json:"isMuted,omitempty"`
	IsVideoOff      *bool  `json:"isVideoOff,omitempty"`
	IsScreenSharing *bool  `json:"isScreenSharing,omitempty"`
}

func (o Offer) SignalCallID() CallID       { return o.CallID }
func (a Answer) SignalCallID() CallID      { return a.CallID }
func (c Candidate) SignalCallID() CallID   { return c.CallID }
func (r Reject) SignalCallID() CallID      { return r.CallID }
func (e End) SignalCallID() CallID         { return e.CallID }
func (b Busy) SignalCallID() CallID        { return b.CallID }
func (u StateUpdate) SignalCallID() CallID { return u.CallID }

func (Offer) Kind() EventKind       { return KindOffer }
func (Answer) Kind() EventKind      { return KindAnswer }
func (Candidate) Kind() EventKind   { return KindCandidate }
func (Reject) Kind() EventKind      { return KindReject }
func (End) Kind() EventKind         { return KindEnd }
func (Busy) Kind() EventKind        { return KindBusy }
func (StateUpdate) Kind() EventKind { return KindStateUpdate }

// Bool is a helper for the optional flags of StateUpdate and CallParticipant.
func Bool(v bool) *bool {
	return &v
}
