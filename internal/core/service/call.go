package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	RingingTimeout    = 45 * time.Second
	ConnectingTimeout = 30 * time.Second

	sendTimeout = 10 * time.Second
	queueSize   = 256
)

// CallService is the call state machine. Every command, inbound signal,
// negotiator callback, timer fire and async completion is an event handled to
// completion by Run, one at a time. Loop-owned fields below are never touched
// from another goroutine.
type CallService struct {
	self      domain.CallParticipant
	factory   port.NegotiatorFactory
	transport port.SignalingTransport
	observer  port.CallObserver
	metrics   port.CallMetrics
	clock     Clock

	events   chan domain.Event
	outbox   chan outbound
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	current atomic.Pointer[domain.CallSession]

	// loop-owned
	session           *domain.CallSession
	remote            domain.CallParticipant
	incoming          *domain.Offer
	negotiator        port.MediaNegotiator
	gen               uint64
	callCtx           context.Context
	cancelCall        context.CancelFunc
	setupStart        time.Time
	ringing           timerHandle
	connecting        timerHandle
	timerSeq          uint64
	parked            *domain.Answer
	held              []domain.ICECandidate
	descriptionQueued bool
	remoteKnows       bool
	screenPending     bool
	log               zerolog.Logger
}

type outbound struct {
	signal domain.Signal
	done   func(error)
}

type Option func(*CallService)

func WithClock(c Clock) Option {
	return func(s *CallService) { s.clock = c }
}

func WithObserver(o port.CallObserver) Option {
	return func(s *CallService) { s.observer = o }
}

func WithMetrics(m port.CallMetrics) Option {
	return func(s *CallService) { s.metrics = m }
}

func NewCallService(self domain.CallParticipant, factory port.NegotiatorFactory, transport port.SignalingTransport, opts ...Option) *CallService {
	s := &CallService{
		self:      self,
		factory:   factory,
		transport: transport,
		observer:  NopObserver{},
		metrics:   nopCallMetrics{},
		clock:     systemClock{},
		events:    make(chan domain.Event, queueSize),
		outbox:    make(chan outbound, queueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes events until Stop. A call still active at shutdown is ended.
func (s *CallService) Run() {
	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		s.runOutbox()
	}()

	defer func() {
		close(s.outbox)
		<-outboxDone
		close(s.done)
	}()

	for {
		select {
		case <-s.quit:
			if s.session != nil {
				s.advance(domain.KindHangup)
				s.finish(domain.NewEndReason(domain.ReasonNormal, "shutdown"), s.farewell(""))
			}
			log.Info().Msg("Call service stopped")
			return

		case ev := <-s.events:
			s.step(ev)
		}
	}
}

func (s *CallService) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

// Done is closed once Run has returned.
func (s *CallService) Done() <-chan struct{} {
	return s.done
}

// HandleEvent implements port.SignalSink.
func (s *CallService) HandleEvent(ev domain.Event) {
	s.post(ev)
}

// CurrentCall returns a copy of the live session, or nil.
func (s *CallService) CurrentCall() *domain.CallSession {
	return s.current.Load().Snapshot()
}

func (s *CallService) IsInCall() bool {
	session := s.current.Load()
	return session != nil && session.Status.IsActive()
}

func (s *CallService) InitiateCall(ctx context.Context, to domain.CallParticipant, conversationID domain.ConversationID, callType domain.CallType) (domain.CallID, error) {
	ch := make(chan reply[domain.CallID], 1)
	return request(ctx, s, initiateCmd{to: to, conversationID: conversationID, callType: callType, reply: ch}, ch)
}

// AcceptCall accepts the ringing incoming call. An empty callID accepts
// whatever call is ringing.
func (s *CallService) AcceptCall(ctx context.Context, callID domain.CallID) error {
	ch := make(chan reply[struct{}], 1)
	_, err := request(ctx, s, acceptCmd{callID: callID, reply: ch}, ch)
	return err
}

func (s *CallService) RejectCall(ctx context.Context, reason string) error {
	ch := make(chan reply[struct{}], 1)
	_, err := request(ctx, s, declineCmd{reason: reason, reply: ch}, ch)
	return err
}

func (s *CallService) EndCall(ctx context.Context, reason string) error {
	ch := make(chan reply[struct{}], 1)
	_, err := request(ctx, s, hangupCmd{reason: reason, reply: ch}, ch)
	return err
}

// ToggleAudio reports whether the microphone is muted afterwards.
func (s *CallService) ToggleAudio(ctx context.Context) (bool, error) {
	return s.toggleRequest(ctx, toggleAudio)
}

// ToggleVideo reports whether the camera is off afterwards.
func (s *CallService) ToggleVideo(ctx context.Context) (bool, error) {
	return s.toggleRequest(ctx, toggleVideo)
}

// ToggleScreenShare reports whether the screen is shared afterwards.
func (s *CallService) ToggleScreenShare(ctx context.Context) (bool, error) {
	return s.toggleRequest(ctx, toggleScreen)
}

func (s *CallService) toggleRequest(ctx context.Context, target toggleTarget) (bool, error) {
	ch := make(chan reply[bool], 1)
	return request(ctx, s, toggleCmd{target: target, reply: ch}, ch)
}

func request[T any](ctx context.Context, s *CallService, ev domain.Event, ch <-chan reply[T]) (T, error) {
	var zero T
	select {
	case s.events <- ev:
	case <-s.quit:
		return zero, domain.ErrServiceStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-ch:
		return r.val, r.err
	case <-s.done:
		return zero, domain.ErrServiceStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *CallService) post(ev domain.Event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *CallService) step(ev domain.Event) {
	switch e := ev.(type) {
	case initiateCmd:
		s.initiate(e)
	case acceptCmd:
		s.accept(e)
	case declineCmd:
		s.decline(e)
	case hangupCmd:
		s.hangup(e)
	case toggleCmd:
		s.toggle(e)

	case offerReady:
		s.onOfferReady(e)
	case offerSent:
		s.onOfferSent(e)
	case answerReady:
		s.onAnswerReady(e)
	case answerSent:
		s.onAnswerSent(e)
	case screenShareStarted:
		s.onScreenShareStarted(e)

	case localCandidate:
		s.onLocalCandidate(e)
	case mediaStateChanged:
		s.onMediaState(e)
	case remoteTrackAdded:
		s.onRemoteTrack(e)
	case screenShareEnded:
		s.onScreenShareEnded(e)
	case timerFired:
		s.onTimer(e)

	case domain.Offer:
		s.onOffer(e)
	case domain.Answer:
		s.onAnswer(e)
	case domain.Candidate:
		s.onCandidate(e)
	case domain.Reject:
		reason := e.Reason
		if reason == "" {
			reason = "Call declined"
		}
		s.onRemoteTermination(e, domain.NewEndReason(domain.ReasonDeclined, reason))
	case domain.Busy:
		s.onRemoteTermination(e, domain.NewEndReason(domain.ReasonBusy, "User is busy"))
	case domain.End:
		s.onRemoteTermination(e, remoteEndReason(e.Reason))
	case domain.StateUpdate:
		s.onStateUpdate(e)
	case domain.TransportStateChanged:
		s.onTransportState(e)

	default:
		log.Warn().Str("event", string(ev.Kind())).Msg("Unhandled call event")
	}
}

// Local commands

func (s *CallService) initiate(cmd initiateCmd) {
	if s.session != nil {
		cmd.reply <- reply[domain.CallID]{err: domain.ErrAlreadyInCall}
		return
	}
	if !cmd.callType.Valid() {
		cmd.reply <- reply[domain.CallID]{err: fmt.Errorf("%w: %q", domain.ErrInvalidCallType, cmd.callType)}
		return
	}

	session := &domain.CallSession{
		CallID:         domain.NewCallID(),
		ConversationID: cmd.conversationID,
		CallType:       cmd.callType,
		InitiatorID:    s.self.UserID,
		RecipientID:    cmd.to.UserID,
		Role:           domain.RoleCaller,
		Status:         domain.StatusIdle,
	}
	next, err := domain.Transition(session.Status, session.Role, domain.KindInitiate)
	if err != nil {
		cmd.reply <- reply[domain.CallID]{err: err}
		return
	}
	session.Status = next

	if err := s.open(session, cmd.to); err != nil {
		cmd.reply <- reply[domain.CallID]{err: err}
		return
	}
	cmd.reply <- reply[domain.CallID]{val: session.CallID}
	s.log.Info().Str("recipient_id", cmd.to.UserID.String()).Str("call_type", string(cmd.callType)).Msg("Initiating call")

	if err := s.negotiator.Initialize(); err != nil {
		s.fail(fmt.Errorf("%w: %w", domain.ErrNegotiationFailure, err))
		return
	}

	gen, neg, ctx, audioOnly := s.gen, s.negotiator, s.callCtx, session.CallType == domain.CallTypeAudio
	go func() {
		ev := offerReady{gen: gen}
		if err := neg.AcquireMedia(ctx, audioOnly); err != nil {
			ev.err = err
		} else {
			ev.sdp, ev.err = neg.CreateOffer(ctx)
		}
		s.post(ev)
	}()
}

func (s *CallService) accept(cmd acceptCmd) {
	if s.session == nil || (cmd.callID != "" && cmd.callID != s.session.CallID) {
		cmd.reply <- reply[struct{}]{err: domain.ErrNoActiveCall}
		return
	}
	if _, err := domain.Transition(s.session.Status, s.session.Role, domain.KindAccept); err != nil {
		cmd.reply <- reply[struct{}]{err: err}
		return
	}

	s.disarm(&s.ringing)
	s.advance(domain.KindAccept)
	s.arm(&s.connecting, connectingTimer, ConnectingTimeout)
	s.publish()
	cmd.reply <- reply[struct{}]{}
	s.log.Info().Msg("Call accepted")

	if err := s.negotiator.Initialize(); err != nil {
		s.fail(fmt.Errorf("%w: %w", domain.ErrNegotiationFailure, err))
		return
	}

	gen, neg, ctx := s.gen, s.negotiator, s.callCtx
	audioOnly := s.session.CallType == domain.CallTypeAudio
	offer := s.incoming.SDP
	go func() {
		ev := answerReady{gen: gen}
		if err := neg.AcquireMedia(ctx, audioOnly); err != nil {
			ev.err = err
		} else {
			ev.sdp, ev.err = neg.AcceptOffer(ctx, offer)
		}
		s.post(ev)
	}()
}

func (s *CallService) decline(cmd declineCmd) {
	if s.session == nil {
		cmd.reply <- reply[struct{}]{err: domain.ErrNoActiveCall}
		return
	}
	if _, err := domain.Transition(s.session.Status, s.session.Role, domain.KindDecline); err != nil {
		cmd.reply <- reply[struct{}]{err: err}
		return
	}

	reason := cmd.reason
	if reason == "" {
		reason = "Call declined"
	}
	s.advance(domain.KindDecline)
	s.finish(domain.NewEndReason(domain.ReasonDeclined, reason), domain.Reject{CallID: s.session.CallID, Reason: reason})
	cmd.reply <- reply[struct{}]{}
}

func (s *CallService) hangup(cmd hangupCmd) {
	if s.session == nil {
		cmd.reply <- reply[struct{}]{err: domain.ErrNoActiveCall}
		return
	}
	if _, ok := s.advance(domain.KindHangup); !ok {
		s.session.Status = domain.StatusEnded
	}
	s.finish(domain.NewEndReason(domain.ReasonNormal, cmd.reason), s.farewell(cmd.reason))
	cmd.reply <- reply[struct{}]{}
}

func (s *CallService) toggle(cmd toggleCmd) {
	if s.session == nil {
		cmd.reply <- reply[bool]{err: domain.ErrNoActiveCall}
		return
	}
	if _, ok := domain.NextStatus(s.session.Status, s.session.Role, domain.KindToggle); !ok {
		cmd.reply <- reply[bool]{err: domain.ErrNotConnected}
		return
	}

	update := domain.StateUpdate{CallID: s.session.CallID, UserID: s.self.UserID}
	switch cmd.target {
	case toggleAudio:
		muted := s.negotiator.ToggleAudio()
		update.IsMuted = domain.Bool(muted)
		s.enqueue(update, nil)
		cmd.reply <- reply[bool]{val: muted}

	case toggleVideo:
		off := s.negotiator.ToggleVideo()
		update.IsVideoOff = domain.Bool(off)
		s.enqueue(update, nil)
		cmd.reply <- reply[bool]{val: off}

	case toggleScreen:
		if s.negotiator.IsScreenSharing() {
			if err := s.stopScreenShare(); err != nil {
				cmd.reply <- reply[bool]{val: true, err: err}
				return
			}
			cmd.reply <- reply[bool]{val: false}
			return
		}
		if s.screenPending {
			cmd.reply <- reply[bool]{err: fmt.Errorf("%w: screen share is starting", domain.ErrInvalidTransition)}
			return
		}
		s.screenPending = true
		gen, neg, ctx := s.gen, s.negotiator, s.callCtx
		go func() {
			err := neg.StartScreenShare(ctx)
			s.post(screenShareStarted{gen: gen, err: err, reply: cmd.reply})
		}()
	}
}

func (s *CallService) stopScreenShare() error {
	if err := s.negotiator.StopScreenShare(); err != nil {
		return err
	}
	s.enqueue(domain.StateUpdate{
		CallID:          s.session.CallID,
		UserID:          s.self.UserID,
		IsScreenSharing: domain.Bool(false),
	}, nil)
	s.log.Info().Msg("Screen share stopped")
	return nil
}

// Async completions

func (s *CallService) onOfferReady(e offerReady) {
	if !s.live(e.gen) {
		s.stale(e, "superseded call")
		return
	}
	if e.err != nil {
		s.fail(fmt.Errorf("%w: create offer: %w", domain.ErrNegotiationFailure, e.err))
		return
	}

	offer := domain.Offer{
		CallID:         s.session.CallID,
		ConversationID: s.session.ConversationID,
		CallType:       s.session.CallType,
		From:           s.self,
		To:             s.remote,
		SDP:            e.sdp,
	}
	gen := e.gen
	s.enqueue(offer, func(err error) { s.post(offerSent{gen: gen, err: err}) })
	s.remoteKnows = true
	s.descriptionQueued = true
	s.flushHeld()
}

func (s *CallService) onOfferSent(e offerSent) {
	if !s.live(e.gen) {
		s.stale(e, "superseded call")
		return
	}
	if e.err != nil {
		s.fail(fmt.Errorf("%w: send offer: %w", domain.ErrNegotiationFailure, e.err))
		return
	}
	if _, ok := s.advance(e.Kind()); !ok {
		s.stale(e, "not initiating")
		return
	}
	s.arm(&s.ringing, ringingTimer, RingingTimeout)
	s.log.Info().Msg("Ringing")
	s.publish()

	if parked := s.parked; parked != nil {
		s.parked = nil
		s.onAnswer(*parked)
	}
}

func (s *CallService) onAnswerReady(e answerReady) {
	if !s.live(e.gen) {
		s.stale(e, "superseded call")
		return
	}
	if e.err != nil {
		s.fail(fmt.Errorf("%w: create answer: %w", domain.ErrNegotiationFailure, e.err))
		return
	}

	gen := e.gen
	s.enqueue(domain.Answer{CallID: s.session.CallID, SDP: e.sdp}, func(err error) {
		s.post(answerSent{gen: gen, err: err})
	})
	s.descriptionQueued = true
	s.flushHeld()
}

func (s *CallService) onAnswerSent(e answerSent) {
	if !s.live(e.gen) {
		s.stale(e, "superseded call")
		return
	}
	if e.err != nil {
		s.fail(fmt.Errorf("%w: send answer: %w", domain.ErrNegotiationFailure, e.err))
		return
	}
	if _, ok := s.advance(e.Kind()); !ok {
		s.stale(e, "answer already superseded")
		return
	}
	s.log.Debug().Msg("Answer sent")
}

func (s *CallService) onScreenShareStarted(e screenShareStarted) {
	if !s.live(e.gen) {
		e.reply <- reply[bool]{err: domain.ErrNoActiveCall}
		return
	}
	s.screenPending = false
	if e.err != nil {
		s.log.Warn().Err(e.err).Msg("Screen share failed to start")
		e.reply <- reply[bool]{err: e.err}
		return
	}
	s.enqueue(domain.StateUpdate{
		CallID:          s.session.CallID,
		UserID:          s.self.UserID,
		IsScreenSharing: domain.Bool(true),
	}, nil)
	s.log.Info().Msg("Screen share started")
	e.reply <- reply[bool]{val: true}
}

// Negotiator callbacks

func (s *CallService) onLocalCandidate(e localCandidate) {
	if !s.live(e.gen) {
		s.stale(e, "superseded call")
		return
	}
	if _, ok := domain.NextStatus(s.session.Status, s.session.Role, e.Kind()); !ok {
		s.stale(e, "call not negotiating")
		return
	}
	if !s.descriptionQueued {
		s.held = append(s.held, e.candidate)
		return
	}
	s.enqueue(domain.Candidate{CallID: s.session.CallID, Candidate: e.candidate}, nil)
}

func (s *CallService) flushHeld() {
	for _, c := range s.held {
		s.enqueue(domain.Candidate{CallID: s.session.CallID, Candidate: c}, nil)
	}
	s.held = nil
}

func (s *CallService) onMediaState(e mediaStateChanged) {
	if !s.live(e.gen) {
		s.stale(e, "superseded call")
		return
	}
	s.log.Debug().Str("state", string(e.state)).Msg("Media connection state changed")
	s.observer.OnConnectionStateChanged(s.session.CallID, e.state)

	switch e.Kind() {
	case domain.KindMediaConnected:
		if _, ok := s.advance(e.Kind()); !ok {
			s.stale(e, "not connecting")
			return
		}
		s.disarm(&s.connecting)
		if s.session.StartedAt.IsZero() {
			s.session.StartedAt = s.clock.Now()
			s.metrics.CallConnected(s.session.Role, s.session.StartedAt.Sub(s.setupStart))
		}
		s.log.Info().Msg("Call connected")
		s.publish()

	case domain.KindMediaDisconnected:
		s.log.Warn().Msg("Media connection interrupted")

	case domain.KindMediaFailed:
		if _, ok := s.advance(e.Kind()); !ok {
			s.stale(e, "media not negotiating")
			return
		}
		reason := domain.NewEndReason(domain.ReasonError, fmt.Sprintf("media connection %s", e.state))
		s.finish(reason, s.farewell(string(domain.ReasonError)))
	}
}

func (s *CallService) onRemoteTrack(e remoteTrackAdded) {
	if !s.live(e.gen) {
		s.stale(e, "superseded call")
		return
	}
	if _, ok := domain.NextStatus(s.session.Status, s.session.Role, e.Kind()); !ok {
		s.stale(e, "call not negotiating")
		return
	}
	s.log.Info().Str("kind", e.track.Kind).Str("codec", e.track.Codec).Msg("Remote track added")
	s.observer.OnRemoteTrack(s.session.CallID, e.track)
}

func (s *CallService) onScreenShareEnded(e screenShareEnded) {
	if !s.live(e.gen) {
		s.stale(e, "superseded call")
		return
	}
	if _, ok := domain.NextStatus(s.session.Status, s.session.Role, e.Kind()); !ok || !s.negotiator.IsScreenSharing() {
		s.stale(e, "not sharing")
		return
	}
	if err := s.stopScreenShare(); err != nil {
		s.log.Error().Err(err).Msg("Failed to restore camera after screen capture ended")
	}
}

func (s *CallService) onTimer(e timerFired) {
	h := s.handle(e.purpose)
	if s.session == nil || h.id != e.id {
		s.stale(e, "timer cancelled")
		return
	}
	*h = timerHandle{}
	if _, ok := s.advance(e.Kind()); !ok {
		s.stale(e, "timer outlived its state")
		return
	}

	switch e.purpose {
	case ringingTimer:
		s.log.Info().Msg("No answer")
		s.finish(domain.NewEndReason(domain.ReasonMissed, "No answer"), s.farewell(string(domain.ReasonMissed)))
	case connectingTimer:
		s.log.Warn().Msg("Media connection timed out")
		s.finish(domain.NewEndReason(domain.ReasonTimeout, domain.ErrConnectionTimeout.Error()), s.farewell(string(domain.ReasonTimeout)))
	}
}

// Remote signals

func (s *CallService) onOffer(o domain.Offer) {
	if s.session != nil {
		if o.CallID == s.session.CallID {
			s.stale(o, "duplicate offer")
			return
		}
		s.log.Info().Str("incoming_call_id", o.CallID.String()).Str("caller_id", o.From.UserID.String()).Msg("Busy, rejecting incoming call")
		s.enqueue(domain.Busy{CallID: o.CallID}, nil)
		return
	}
	if o.CallID == "" || !o.CallType.Valid() {
		log.Warn().Str("call_id", o.CallID.String()).Str("call_type", string(o.CallType)).Msg("Malformed offer dropped")
		return
	}

	session := &domain.CallSession{
		CallID:         o.CallID,
		ConversationID: o.ConversationID,
		CallType:       o.CallType,
		InitiatorID:    o.From.UserID,
		RecipientID:    s.self.UserID,
		Role:           domain.RoleCallee,
		Status:         domain.StatusIdle,
	}
	next, err := domain.Transition(session.Status, session.Role, o.Kind())
	if err != nil {
		log.Error().Err(err).Msg("Incoming offer rejected")
		return
	}
	session.Status = next

	if err := s.open(session, o.From); err != nil {
		log.Error().Err(err).Str("call_id", o.CallID.String()).Msg("Cannot take incoming call")
		s.enqueue(domain.End{CallID: o.CallID, EndedBy: s.self.UserID, Reason: string(domain.ReasonError)}, nil)
		return
	}
	offer := o
	s.incoming = &offer
	s.remoteKnows = true
	s.arm(&s.ringing, ringingTimer, RingingTimeout)
	s.log.Info().Str("caller_id", o.From.UserID.String()).Str("call_type", string(o.CallType)).Msg("Incoming call")
	s.observer.OnIncomingCall(offer)
}

func (s *CallService) onAnswer(a domain.Answer) {
	if !s.matches(a) {
		s.stale(a, "unknown call")
		return
	}
	if s.session.Role == domain.RoleCaller && s.session.Status == domain.StatusInitiating {
		if s.parked != nil {
			s.stale(a, "duplicate answer")
			return
		}
		parked := a
		s.parked = &parked
		s.log.Debug().Msg("Answer arrived before the offer was confirmed, parked")
		return
	}
	if _, ok := s.advance(a.Kind()); !ok {
		s.stale(a, "answer outside ringing")
		return
	}

	s.disarm(&s.ringing)
	s.arm(&s.connecting, connectingTimer, ConnectingTimeout)
	if err := s.negotiator.ApplyAnswer(a.SDP); err != nil {
		s.fail(fmt.Errorf("%w: apply answer: %w", domain.ErrNegotiationFailure, err))
		return
	}
	s.log.Info().Msg("Call answered")
	s.publish()
}

func (s *CallService) onCandidate(c domain.Candidate) {
	if !s.matches(c) {
		s.stale(c, "unknown call")
		return
	}
	if _, ok := domain.NextStatus(s.session.Status, s.session.Role, c.Kind()); !ok {
		s.stale(c, "call not negotiating")
		return
	}
	if err := s.negotiator.AddRemoteCandidate(c.Candidate); err != nil {
		s.log.Warn().Err(err).Msg("Failed to add remote candidate")
	}
}

func (s *CallService) onRemoteTermination(sig domain.Signal, reason domain.CallEndReason) {
	if !s.matches(sig) {
		s.stale(sig, "unknown call")
		return
	}
	if _, ok := s.advance(sig.Kind()); !ok {
		s.stale(sig, "not allowed for role")
		return
	}
	s.log.Info().Str("event", string(sig.Kind())).Msg("Call terminated by remote party")
	s.finish(reason, nil)
}

func (s *CallService) onStateUpdate(u domain.StateUpdate) {
	if !s.matches(u) {
		s.stale(u, "unknown call")
		return
	}
	if _, ok := domain.NextStatus(s.session.Status, s.session.Role, u.Kind()); !ok {
		s.stale(u, "call not active")
		return
	}
	s.observer.OnRemoteStateUpdate(u)
}

func (s *CallService) onTransportState(e domain.TransportStateChanged) {
	l := s.log.With().Str("transport_state", string(e.State)).Logger()
	if e.State == domain.TransportConnected {
		l.Info().Msg("Signaling transport connected")
	} else {
		l.Warn().Msg("Signaling transport unavailable")
	}
	s.observer.OnTransportStateChanged(e.State)
}

// Session bookkeeping

func (s *CallService) open(session *domain.CallSession, remote domain.CallParticipant) error {
	gen := s.gen + 1
	neg, err := s.factory.NewNegotiator(session.CallID, callHandler{svc: s, gen: gen})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNegotiationFailure, err)
	}

	s.gen = gen
	s.session = session
	s.remote = remote
	s.negotiator = neg
	s.callCtx, s.cancelCall = context.WithCancel(context.Background())
	s.setupStart = s.clock.Now()
	s.log = log.With().
		Str("call_id", session.CallID.String()).
		Str("role", string(session.Role)).
		Str("remote_id", session.RemoteParty().String()).
		Logger()

	s.metrics.CallStarted(session.Role, session.CallType)
	s.publish()
	return nil
}

// finish ends the live session: timers off, end timestamps, farewell signal,
// exactly one callEnded, then cleanup. The session status must already be
// terminal.
func (s *CallService) finish(reason domain.CallEndReason, farewell domain.Signal) {
	session := s.session
	s.disarm(&s.ringing)
	s.disarm(&s.connecting)

	session.EndedAt = s.clock.Now()
	if !session.StartedAt.IsZero() {
		session.Duration = session.EndedAt.Sub(session.StartedAt)
	}
	if farewell != nil {
		s.enqueue(farewell, nil)
	}

	s.log.Info().
		Str("status", string(session.Status)).
		Str("reason", string(reason.Reason)).
		Str("message", reason.Message).
		Dur("duration", session.Duration).
		Msg("Call ended")

	s.observer.OnSessionChanged(session.Snapshot())
	s.observer.OnCallEnded(session.CallID, reason)
	s.metrics.CallEnded(session.Status, reason.Reason, session.Duration)
	s.cleanup()
}

func (s *CallService) fail(err error) {
	s.log.Error().Err(err).Msg("Call failed")
	if _, ok := s.advance(domain.KindNegotiationFailed); !ok {
		s.session.Status = domain.StatusEnded
	}
	s.finish(domain.NewEndReason(domain.ReasonError, err.Error()), s.farewell(string(domain.ReasonError)))
}

func (s *CallService) cleanup() {
	if s.cancelCall != nil {
		s.cancelCall()
		s.cancelCall = nil
	}
	if s.negotiator != nil {
		s.negotiator.Cleanup()
		s.negotiator = nil
	}
	s.session = nil
	s.remote = domain.CallParticipant{}
	s.incoming = nil
	s.parked = nil
	s.held = nil
	s.descriptionQueued = false
	s.remoteKnows = false
	s.screenPending = false
	s.current.Store(nil)
	s.log = log.Logger
}

// farewell is the end signal for the remote party, or nil when the remote
// party never learned about the call.
func (s *CallService) farewell(reason string) domain.Signal {
	if !s.remoteKnows {
		return nil
	}
	if reason == "" {
		reason = string(domain.ReasonNormal)
	}
	return domain.End{CallID: s.session.CallID, EndedBy: s.self.UserID, Reason: reason}
}

func (s *CallService) advance(kind domain.EventKind) (domain.CallStatus, bool) {
	next, ok := domain.NextStatus(s.session.Status, s.session.Role, kind)
	if ok {
		s.session.Status = next
	}
	return next, ok
}

func (s *CallService) publish() {
	snapshot := s.session.Snapshot()
	s.current.Store(snapshot)
	s.observer.OnSessionChanged(snapshot.Snapshot())
}

func (s *CallService) live(gen uint64) bool {
	return s.session != nil && gen == s.gen
}

func (s *CallService) matches(sig domain.Signal) bool {
	return s.session != nil && sig.SignalCallID() == s.session.CallID
}

func (s *CallService) stale(ev domain.Event, why string) {
	s.metrics.StaleEvent(ev.Kind())
	s.log.Debug().Err(domain.ErrStaleEvent).Str("event", string(ev.Kind())).Str("reason", why).Msg("Event dropped")
}

// Timers

func (s *CallService) handle(p timerPurpose) *timerHandle {
	if p == ringingTimer {
		return &s.ringing
	}
	return &s.connecting
}

func (s *CallService) arm(h *timerHandle, purpose timerPurpose, d time.Duration) {
	s.disarm(h)
	s.timerSeq++
	id := s.timerSeq
	h.id = id
	h.timer = s.clock.AfterFunc(d, func() {
		s.post(timerFired{purpose: purpose, id: id})
	})
	s.log.Debug().Stringer("timer", purpose).Dur("after", d).Msg("Timer armed")
}

func (s *CallService) disarm(h *timerHandle) {
	if h.timer != nil {
		h.timer.Stop()
	}
	*h = timerHandle{}
}

// Outbound signaling

func (s *CallService) enqueue(sig domain.Signal, done func(error)) {
	s.outbox <- outbound{signal: sig, done: done}
}

func (s *CallService) runOutbox() {
	for out := range s.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := s.send(ctx, out.signal)
		cancel()
		if err != nil {
			log.Warn().Err(err).
				Str("call_id", out.signal.SignalCallID().String()).
				Str("event", string(out.signal.Kind())).
				Msg("Failed to send signal")
		}
		if out.done != nil {
			out.done(err)
		}
	}
}

func (s *CallService) send(ctx context.Context, sig domain.Signal) error {
	switch m := sig.(type) {
	case domain.Offer:
		return s.transport.SendOffer(ctx, m)
	case domain.Answer:
		return s.transport.SendAnswer(ctx, m)
	case domain.Candidate:
		return s.transport.SendCandidate(ctx, m)
	case domain.Reject:
		return s.transport.SendReject(ctx, m)
	case domain.End:
		return s.transport.SendEnd(ctx, m)
	case domain.Busy:
		return s.transport.SendBusy(ctx, m)
	case domain.StateUpdate:
		return s.transport.SendStateUpdate(ctx, m)
	}
	return fmt.Errorf("%w: %s", domain.ErrUnknownEvent, sig.Kind())
}

// remoteEndReason maps the reason carried by an end signal. Known reason
// kinds are kept; anything else is a normal end with a message.
func remoteEndReason(reason string) domain.CallEndReason {
	switch kind := domain.EndReasonKind(reason); kind {
	case domain.ReasonNormal, domain.ReasonDeclined, domain.ReasonMissed,
		domain.ReasonBusy, domain.ReasonError, domain.ReasonTimeout:
		return domain.NewEndReason(kind, "")
	}
	return domain.NewEndReason(domain.ReasonNormal, reason)
}
