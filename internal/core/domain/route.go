package domain

import "time"

// CallRoute lets the relay deliver call-addressed signals to the other party.
type CallRoute struct {
	CallID    CallID    `json:"callId"`
	CallerID  UserID    `json:"callerId"`
	CalleeID  UserID    `json:"calleeId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Peer returns the other participant, or false when user is not part of the
// call.
func (r CallRoute) Peer(user UserID) (UserID, bool) {
	switch user {
	case r.CallerID:
		return r.CalleeID, true
	case r.CalleeID:
		return r.CallerID, true
	}
	return "", false
}
