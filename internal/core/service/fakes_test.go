package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

// fakeNegotiator mimics the candidate discipline of the real engine: remote
// candidates wait in a queue until a remote description is applied.
type fakeNegotiator struct {
	mu      sync.Mutex
	callID  domain.CallID
	handler port.NegotiationHandler

	queue          domain.PendingCandidateQueue
	remoteSet      bool
	initialized    bool
	applied        []domain.ICECandidate
	offers         int
	answers        int
	appliedAnswers int
	cleanups       int
	muted          bool
	videoOff       bool
	sharing        bool
	replacements   []string

	acquireErr error
	screenErr  error
	acceptGate chan struct{}
}

func (n *fakeNegotiator) Initialize() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.initialized = true
	return nil
}

func (n *fakeNegotiator) AcquireMedia(ctx context.Context, audioOnly bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.acquireErr
}

func (n *fakeNegotiator) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers++
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0 local offer"}, nil
}

func (n *fakeNegotiator) AcceptOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	n.mu.Lock()
	gate := n.acceptGate
	n.mu.Unlock()
	if gate != nil {
		<-gate
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.remoteSet = true
	n.flushLocked()
	n.answers++
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 local answer"}, nil
}

func (n *fakeNegotiator) ApplyAnswer(answer domain.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.appliedAnswers++
	n.remoteSet = true
	n.flushLocked()
	return nil
}

func (n *fakeNegotiator) flushLocked() {
	n.queue.Drain(func(c domain.ICECandidate) error {
		n.applied = append(n.applied, c)
		return nil
	})
}

func (n *fakeNegotiator) AddRemoteCandidate(c domain.ICECandidate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.remoteSet {
		n.queue.Push(c)
		return nil
	}
	n.applied = append(n.applied, c)
	return nil
}

func (n *fakeNegotiator) ToggleAudio() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.muted = !n.muted
	return n.muted
}

func (n *fakeNegotiator) ToggleVideo() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.videoOff = !n.videoOff
	return n.videoOff
}

func (n *fakeNegotiator) StartScreenShare(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.screenErr != nil {
		return n.screenErr
	}
	n.sharing = true
	n.replacements = append(n.replacements, "screen")
	return nil
}

func (n *fakeNegotiator) StopScreenShare() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sharing = false
	n.replacements = append(n.replacements, "camera")
	return nil
}

func (n *fakeNegotiator) IsScreenSharing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sharing
}

func (n *fakeNegotiator) ConnectionState() domain.ConnectionState {
	return domain.ConnectionNew
}

func (n *fakeNegotiator) Cleanup() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleanups++
	n.queue.Clear()
}

type negotiatorState struct {
	applied        []domain.ICECandidate
	offers         int
	answers        int
	appliedAnswers int
	cleanups       int
	sharing        bool
	initialized    bool
	replacements   []string
}

func (n *fakeNegotiator) snapshot() negotiatorState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return negotiatorState{
		applied:        append([]domain.ICECandidate(nil), n.applied...),
		offers:         n.offers,
		answers:        n.answers,
		appliedAnswers: n.appliedAnswers,
		cleanups:       n.cleanups,
		sharing:        n.sharing,
		initialized:    n.initialized,
		replacements:   append([]string(nil), n.replacements...),
	}
}

type fakeFactory struct {
	mu          sync.Mutex
	negotiators []*fakeNegotiator
	configure   func(*fakeNegotiator)
	err         error
}

func (f *fakeFactory) NewNegotiator(callID domain.CallID, handler port.NegotiationHandler) (port.MediaNegotiator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n := &fakeNegotiator{callID: callID, handler: handler}
	if f.configure != nil {
		f.configure(n)
	}
	f.negotiators = append(f.negotiators, n)
	return n, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.negotiators)
}

func (f *fakeFactory) last() *fakeNegotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.negotiators) == 0 {
		return nil
	}
	return f.negotiators[len(f.negotiators)-1]
}

type fakeTransport struct {
	mu    sync.Mutex
	sent  []domain.Signal
	errs  map[domain.EventKind]error
	gates map[domain.EventKind]chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		errs:  make(map[domain.EventKind]error),
		gates: make(map[domain.EventKind]chan struct{}),
	}
}

func (tr *fakeTransport) gate(kind domain.EventKind) chan struct{} {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	g := make(chan struct{})
	tr.gates[kind] = g
	return g
}

func (tr *fakeTransport) fail(kind domain.EventKind, err error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.errs[kind] = err
}

func (tr *fakeTransport) record(ctx context.Context, sig domain.Signal) error {
	tr.mu.Lock()
	gate := tr.gates[sig.Kind()]
	tr.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if err := tr.errs[sig.Kind()]; err != nil {
		return err
	}
	tr.sent = append(tr.sent, sig)
	return nil
}

func (tr *fakeTransport) SendOffer(ctx context.Context, m domain.Offer) error {
	return tr.record(ctx, m)
}
func (tr *fakeTransport) SendAnswer(ctx context.Context, m domain.Answer) error {
	return tr.record(ctx, m)
}
func (tr *fakeTransport) SendCandidate(ctx context.Context, m domain.Candidate) error {
	return tr.record(ctx, m)
}
func (tr *fakeTransport) SendReject(ctx context.Context, m domain.Reject) error {
	return tr.record(ctx, m)
}
func (tr *fakeTransport) SendEnd(ctx context.Context, m domain.End) error {
	return tr.record(ctx, m)
}
func (tr *fakeTransport) SendBusy(ctx context.Context, m domain.Busy) error {
	return tr.record(ctx, m)
}
func (tr *fakeTransport) SendStateUpdate(ctx context.Context, m domain.StateUpdate) error {
	return tr.record(ctx, m)
}

func (tr *fakeTransport) kinds() []domain.EventKind {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]domain.EventKind, 0, len(tr.sent))
	for _, s := range tr.sent {
		out = append(out, s.Kind())
	}
	return out
}

func sentOf[T domain.Signal](tr *fakeTransport) []T {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []T
	for _, s := range tr.sent {
		if v, ok := s.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type endedCall struct {
	callID domain.CallID
	reason domain.CallEndReason
}

type recordingObserver struct {
	mu         sync.Mutex
	sessions   []*domain.CallSession
	incoming   []domain.Offer
	ended      []endedCall
	updates    []domain.StateUpdate
	transports []domain.TransportState
	media      []domain.ConnectionState
	tracks     []domain.RemoteTrack
}

func (o *recordingObserver) OnSessionChanged(s *domain.CallSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions = append(o.sessions, s)
}

func (o *recordingObserver) OnIncomingCall(offer domain.Offer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.incoming = append(o.incoming, offer)
}

func (o *recordingObserver) OnCallEnded(callID domain.CallID, reason domain.CallEndReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, endedCall{callID: callID, reason: reason})
}

func (o *recordingObserver) OnRemoteStateUpdate(u domain.StateUpdate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates = append(o.updates, u)
}

func (o *recordingObserver) OnConnectionStateChanged(_ domain.CallID, state domain.ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.media = append(o.media, state)
}

func (o *recordingObserver) OnTransportStateChanged(state domain.TransportState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transports = append(o.transports, state)
}

func (o *recordingObserver) OnRemoteTrack(_ domain.CallID, track domain.RemoteTrack) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tracks = append(o.tracks, track)
}

func (o *recordingObserver) endedCalls() []endedCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]endedCall(nil), o.ended...)
}

func (o *recordingObserver) lastSession() *domain.CallSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sessions) == 0 {
		return nil
	}
	return o.sessions[len(o.sessions)-1]
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	duration time.Duration
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, duration: d, deadline: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and fires every due timer.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.deadline.After(c.now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()

	for _, f := range due {
		f()
	}
}

// active counts armed timers of the given duration.
func (c *fakeClock) active(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.duration == d && !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// refire runs the callback of every timer of the given duration again,
// including stopped ones, as a timer that raced its cancellation would.
func (c *fakeClock) refire(d time.Duration) {
	c.mu.Lock()
	var fs []func()
	for _, t := range c.timers {
		if t.duration == d {
			fs = append(fs, t.f)
		}
	}
	c.mu.Unlock()

	for _, f := range fs {
		f()
	}
}

var errBoom = errors.New("boom")

func (o *recordingObserver) incomingCalls() []domain.Offer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.Offer(nil), o.incoming...)
}

func (o *recordingObserver) remoteUpdates() []domain.StateUpdate {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.StateUpdate(nil), o.updates...)
}

func (o *recordingObserver) transportStates() []domain.TransportState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.TransportState(nil), o.transports...)
}

func (o *recordingObserver) mediaStates() []domain.ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.ConnectionState(nil), o.media...)
}

func (o *recordingObserver) remoteTracks() []domain.RemoteTrack {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.RemoteTrack(nil), o.tracks...)
}
