package wire

import (
	"encoding/json"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Envelope is the frame exchanged over the signaling websocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client to relay invocation names.
const (
	InvokeOffer       = "SendCallOffer"
	InvokeAnswer      = "SendCallAnswer"
	InvokeCandidate   = "SendIceCandidate"
	InvokeReject      = "RejectCall"
	InvokeEnd         = "EndCall"
	InvokeBusy        = "SendCallBusy"
	InvokeStateUpdate = "SendCallStateUpdate"
)

// Relay to client event names.
const (
	EventOffer       = "calloffer"
	EventAnswer      = "callanswer"
	EventCandidate   = "icecandidate"
	EventReject      = "callrejected"
	EventEnd         = "callended"
	EventBusy        = "callbusy"
	EventStateUpdate = "callstateupdate"
)

type names struct {
	invoke string
	event  string
}

var byKind = map[domain.EventKind]names{
	domain.KindOffer:       {InvokeOffer, EventOffer},
	domain.KindAnswer:      {InvokeAnswer, EventAnswer},
	domain.KindCandidate:   {InvokeCandidate, EventCandidate},
	domain.KindReject:      {InvokeReject, EventReject},
	domain.KindEnd:         {InvokeEnd, EventEnd},
	domain.KindBusy:        {InvokeBusy, EventBusy},
	domain.KindStateUpdate: {InvokeStateUpdate, EventStateUpdate},
}

type decoder func(json.RawMessage) (domain.Signal, error)

var decoders = map[domain.EventKind]decoder{
	domain.KindOffer:       decodeAs[domain.Offer],
	domain.KindAnswer:      decodeAs[domain.Answer],
	domain.KindCandidate:   decodeAs[domain.Candidate],
	domain.KindReject:      decodeAs[domain.Reject],
	domain.KindEnd:         decodeAs[domain.End],
	domain.KindBusy:        decodeAs[domain.Busy],
	domain.KindStateUpdate: decodeAs[domain.StateUpdate],
}

var (
	invokeKinds = make(map[string]domain.EventKind, len(byKind))
	eventKinds  = make(map[string]domain.EventKind, len(byKind))
)

func init() {
	for kind, n := range byKind {
		invokeKinds[n.invoke] = kind
		eventKinds[n.event] = kind
	}
}

func decodeAs[T domain.Signal](data json.RawMessage) (domain.Signal, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeInvocation frames a signal sent by a client to the relay.
func EncodeInvocation(sig domain.Signal) (Envelope, error) {
	n, ok := byKind[sig.Kind()]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", domain.ErrUnknownEvent, sig.Kind())
	}
	return encode(n.invoke, sig)
}

// EncodeEvent frames a signal pushed by the relay to a client.
func EncodeEvent(sig domain.Signal) (Envelope, error) {
	n, ok := byKind[sig.Kind()]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", domain.ErrUnknownEvent, sig.Kind())
	}
	return encode(n.event, sig)
}

// DecodeInvocation parses a frame received by the relay.
func DecodeInvocation(env Envelope) (domain.Signal, error) {
	return decode(invokeKinds, env)
}

// DecodeEvent parses a frame received by a client.
func DecodeEvent(env Envelope) (domain.Signal, error) {
	return decode(eventKinds, env)
}

func encode(name string, sig domain.Signal) (Envelope, error) {
	data, err := json.Marshal(sig)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", name, err)
	}
	return Envelope{Event: name, Data: data}, nil
}

func decode(kinds map[string]domain.EventKind, env Envelope) (domain.Signal, error) {
	kind, ok := kinds[env.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEvent, env.Event)
	}
	sig, err := decoders[kind](env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	if sig.SignalCallID() == "" {
		return nil, fmt.Errorf("decode %s: missing callId", env.Event)
	}
	return sig, nil
}
