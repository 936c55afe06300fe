package service

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	alice = domain.CallParticipant{UserID: "alice", UserName: "alice", DisplayName: "Alice"}
	bob   = domain.CallParticipant{UserID: "bob", UserName: "bob", DisplayName: "Bob"}
)

type harness struct {
	svc       *CallService
	factory   *fakeFactory
	transport *fakeTransport
	observer  *recordingObserver
	clock     *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		factory:   &fakeFactory{},
		transport: newFakeTransport(),
		observer:  &recordingObserver{},
		clock:     newFakeClock(),
	}
	h.svc = NewCallService(alice, h.factory, h.transport, WithClock(h.clock), WithObserver(h.observer))
	go h.svc.Run()
	t.Cleanup(func() {
		h.svc.Stop()
		<-h.svc.Done()
	})
	return h
}

// sync returns once every event posted before it has been handled.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	err := h.svc.AcceptCall(context.Background(), "sync-barrier")
	require.ErrorIs(t, err, domain.ErrNoActiveCall)
}

func (h *harness) waitStatus(t *testing.T, want domain.CallStatus) *domain.CallSession {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.svc.CurrentCall()
		return s != nil && s.Status == want
	}, waitFor, tick, "status %s never reached", want)
	return h.svc.CurrentCall()
}

func (h *harness) waitEnded(t *testing.T) endedCall {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.observer.endedCalls()) > 0
	}, waitFor, tick)
	return h.observer.endedCalls()[0]
}

func (h *harness) dialRinging(t *testing.T) (domain.CallID, *fakeNegotiator) {
	t.Helper()
	id, err := h.svc.InitiateCall(context.Background(), bob, "conv-1", domain.CallTypeVideo)
	require.NoError(t, err)
	h.waitStatus(t, domain.StatusRinging)
	return id, h.factory.last()
}

func (h *harness) dialConnected(t *testing.T) (domain.CallID, *fakeNegotiator) {
	t.Helper()
	id, neg := h.dialRinging(t)
	h.svc.HandleEvent(domain.Answer{CallID: id, SDP: domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 remote"}})
	h.waitStatus(t, domain.StatusConnecting)
	neg.handler.OnConnectionStateChange(domain.ConnectionConnected)
	h.waitStatus(t, domain.StatusConnected)
	return id, neg
}

func incomingOffer(id domain.CallID) domain.Offer {
	return domain.Offer{
		CallID:         id,
		ConversationID: "conv-1",
		CallType:       domain.CallTypeVideo,
		From:           bob,
		To:             alice,
		SDP:            domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0 remote offer"},
	}
}

func (h *harness) ring(t *testing.T) (domain.Offer, *fakeNegotiator) {
	t.Helper()
	offer := incomingOffer("1700000000000-aaaaaaaaaaaa")
	h.svc.HandleEvent(offer)
	h.waitStatus(t, domain.StatusRinging)
	return offer, h.factory.last()
}

func (h *harness) answerConnected(t *testing.T) (domain.Offer, *fakeNegotiator) {
	t.Helper()
	offer, neg := h.ring(t)
	require.NoError(t, h.svc.AcceptCall(context.Background(), offer.CallID))
	require.Eventually(t, func() bool { return len(sentOf[domain.Answer](h.transport)) == 1 }, waitFor, tick)
	neg.handler.OnConnectionStateChange(domain.ConnectionConnected)
	h.waitStatus(t, domain.StatusConnected)
	return offer, neg
}

func candidateAt(n int) domain.ICECandidate {
	return domain.ICECandidate{Candidate: "candidate:" + string(rune('0'+n)) + " 1 udp 2130706431 192.168.1.2 50000 typ host"}
}

func TestInitiateCallSendsOfferThenRings(t *testing.T) {
	h := newHarness(t)
	gate := h.transport.gate(domain.KindOffer)

	id, err := h.svc.InitiateCall(context.Background(), bob, "conv-1", domain.CallTypeVideo)
	require.NoError(t, err)
	assert.Regexp(t, `^\d+-[0-9a-f]{12}$`, id.String())

	session := h.svc.CurrentCall()
	require.NotNil(t, session)
	assert.Equal(t, domain.StatusInitiating, session.Status)
	assert.Equal(t, domain.RoleCaller, session.Role)
	assert.Equal(t, domain.UserID("alice"), session.InitiatorID)
	assert.Equal(t, domain.UserID("bob"), session.RecipientID)
	assert.True(t, h.svc.IsInCall())
	assert.Zero(t, h.clock.active(RingingTimeout), "ringing timer must wait for the offer send")

	close(gate)
	h.waitStatus(t, domain.StatusRinging)
	assert.Equal(t, 1, h.clock.active(RingingTimeout))

	offers := sentOf[domain.Offer](h.transport)
	require.Len(t, offers, 1)
	assert.Equal(t, id, offers[0].CallID)
	assert.Equal(t, domain.ConversationID("conv-1"), offers[0].ConversationID)
	assert.Equal(t, alice.UserID, offers[0].From.UserID)
	assert.Equal(t, bob.UserID, offers[0].To.UserID)
	assert.Equal(t, "v=0 local offer", offers[0].SDP.SDP)
	assert.True(t, h.factory.last().snapshot().initialized)
}

func TestInitiateWhileInCallFails(t *testing.T) {
	h := newHarness(t)
	id, _ := h.dialRinging(t)

	_, err := h.svc.InitiateCall(context.Background(), domain.CallParticipant{UserID: "carol"}, "conv-2", domain.CallTypeAudio)
	require.ErrorIs(t, err, domain.ErrAlreadyInCall)

	session := h.svc.CurrentCall()
	require.NotNil(t, session)
	assert.Equal(t, id, session.CallID)
	assert.Equal(t, domain.StatusRinging, session.Status)
	assert.Equal(t, 1, h.factory.count())
}

func TestInitiateRejectsUnknownCallType(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.InitiateCall(context.Background(), bob, "conv-1", domain.CallType("hologram"))
	require.ErrorIs(t, err, domain.ErrInvalidCallType)
	assert.Nil(t, h.svc.CurrentCall())
}

func TestCallerMissedAfterRingingTimeout(t *testing.T) {
	h := newHarness(t)
	id, neg := h.dialRinging(t)

	h.clock.Advance(RingingTimeout)
	ended := h.waitEnded(t)
	assert.Equal(t, id, ended.callID)
	assert.Equal(t, domain.ReasonMissed, ended.reason.Reason)
	assert.Nil(t, h.svc.CurrentCall())
	assert.False(t, h.svc.IsInCall())

	last := h.observer.lastSession()
	require.NotNil(t, last)
	assert.Equal(t, domain.StatusMissed, last.Status)
	assert.False(t, last.EndedAt.IsZero())

	require.Eventually(t, func() bool { return len(sentOf[domain.End](h.transport)) == 1 }, waitFor, tick)
	end := sentOf[domain.End](h.transport)[0]
	assert.Equal(t, string(domain.ReasonMissed), end.Reason)
	assert.Equal(t, alice.UserID, end.EndedBy)

	// a fire that raced its own handling is a no-op
	h.clock.refire(RingingTimeout)
	h.sync(t)
	assert.Len(t, h.observer.endedCalls(), 1)
	assert.Equal(t, 1, neg.snapshot().cleanups)
}

func TestCancelledRingingTimerIsNoop(t *testing.T) {
	h := newHarness(t)
	id, _ := h.dialRinging(t)

	h.svc.HandleEvent(domain.Answer{CallID: id, SDP: domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0"}})
	h.waitStatus(t, domain.StatusConnecting)
	assert.Zero(t, h.clock.active(RingingTimeout))
	assert.Equal(t, 1, h.clock.active(ConnectingTimeout))

	h.clock.refire(RingingTimeout)
	h.sync(t)
	assert.Equal(t, domain.StatusConnecting, h.svc.CurrentCall().Status)
	assert.Empty(t, h.observer.endedCalls())
}

func TestAnswerGuard(t *testing.T) {
	t.Run("duplicate answer", func(t *testing.T) {
		h := newHarness(t)
		id, neg := h.dialRinging(t)
		answer := domain.Answer{CallID: id, SDP: domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0"}}

		h.svc.HandleEvent(answer)
		h.waitStatus(t, domain.StatusConnecting)
		h.svc.HandleEvent(answer)
		h.sync(t)

		assert.Equal(t, domain.StatusConnecting, h.svc.CurrentCall().Status)
		assert.Equal(t, 1, neg.snapshot().appliedAnswers)
	})

	t.Run("answer for another call", func(t *testing.T) {
		h := newHarness(t)
		_, neg := h.dialRinging(t)

		h.svc.HandleEvent(domain.Answer{CallID: "someone-else"})
		h.sync(t)

		assert.Equal(t, domain.StatusRinging, h.svc.CurrentCall().Status)
		assert.Zero(t, neg.snapshot().appliedAnswers)
	})

	t.Run("answer after termination", func(t *testing.T) {
		h := newHarness(t)
		id, neg := h.dialRinging(t)
		require.NoError(t, h.svc.EndCall(context.Background(), ""))

		h.svc.HandleEvent(domain.Answer{CallID: id})
		h.sync(t)

		assert.Nil(t, h.svc.CurrentCall())
		assert.Zero(t, neg.snapshot().appliedAnswers)
		assert.Len(t, h.observer.endedCalls(), 1)
	})

	t.Run("callee ignores answers", func(t *testing.T) {
		h := newHarness(t)
		offer, neg := h.ring(t)

		h.svc.HandleEvent(domain.Answer{CallID: offer.CallID})
		h.sync(t)

		assert.Equal(t, domain.StatusRinging, h.svc.CurrentCall().Status)
		assert.Zero(t, neg.snapshot().appliedAnswers)
	})
}

func TestAnswerBeforeOfferConfirmationIsParked(t *testing.T) {
	h := newHarness(t)
	gate := h.transport.gate(domain.KindOffer)

	id, err := h.svc.InitiateCall(context.Background(), bob, "conv-1", domain.CallTypeVideo)
	require.NoError(t, err)

	h.svc.HandleEvent(domain.Answer{CallID: id, SDP: domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0"}})
	h.sync(t)
	assert.Equal(t, domain.StatusInitiating, h.svc.CurrentCall().Status)
	neg := h.factory.last()
	assert.Zero(t, neg.snapshot().appliedAnswers)

	close(gate)
	h.waitStatus(t, domain.StatusConnecting)
	assert.Equal(t, 1, neg.snapshot().appliedAnswers)
	assert.Zero(t, h.clock.active(RingingTimeout))
}

func TestCalleeAcceptConnects(t *testing.T) {
	h := newHarness(t)
	offer, neg := h.ring(t)

	require.Len(t, h.observer.incomingCalls(), 1)
	assert.Equal(t, offer.CallID, h.observer.incomingCalls()[0].CallID)
	session := h.svc.CurrentCall()
	assert.Equal(t, domain.RoleCallee, session.Role)
	assert.Equal(t, bob.UserID, session.InitiatorID)
	assert.Equal(t, alice.UserID, session.RecipientID)
	assert.Equal(t, 1, h.clock.active(RingingTimeout))
	assert.False(t, neg.snapshot().initialized)

	require.NoError(t, h.svc.AcceptCall(context.Background(), offer.CallID))
	assert.Equal(t, domain.StatusConnecting, h.svc.CurrentCall().Status)
	assert.Zero(t, h.clock.active(RingingTimeout))
	assert.Equal(t, 1, h.clock.active(ConnectingTimeout))

	require.Eventually(t, func() bool { return len(sentOf[domain.Answer](h.transport)) == 1 }, waitFor, tick)
	assert.Equal(t, "v=0 local answer", sentOf[domain.Answer](h.transport)[0].SDP.SDP)

	neg.handler.OnConnectionStateChange(domain.ConnectionConnecting)
	neg.handler.OnConnectionStateChange(domain.ConnectionConnected)
	connected := h.waitStatus(t, domain.StatusConnected)
	require.False(t, connected.StartedAt.IsZero())
	assert.Zero(t, h.clock.active(ConnectingTimeout))

	h.clock.Advance(time.Minute)
	neg.handler.OnConnectionStateChange(domain.ConnectionConnected)
	h.sync(t)
	assert.Equal(t, connected.StartedAt, h.svc.CurrentCall().StartedAt)
	assert.Equal(t, domain.StatusConnected, h.svc.CurrentCall().Status)
}

func TestAcceptRequiresRingingCallee(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.svc.AcceptCall(context.Background(), ""), domain.ErrNoActiveCall)

	h.dialRinging(t)
	err := h.svc.AcceptCall(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.StatusRinging, h.svc.CurrentCall().Status)
}

func TestEarlyRemoteCandidatesAppliedInOrder(t *testing.T) {
	h := newHarness(t)
	offer, neg := h.ring(t)

	h.svc.HandleEvent(domain.Candidate{CallID: offer.CallID, Candidate: candidateAt(1)})
	h.svc.HandleEvent(domain.Candidate{CallID: offer.CallID, Candidate: candidateAt(2)})
	h.sync(t)
	assert.Empty(t, neg.snapshot().applied)

	require.NoError(t, h.svc.AcceptCall(context.Background(), offer.CallID))
	require.Eventually(t, func() bool { return neg.snapshot().answers == 1 }, waitFor, tick)

	h.svc.HandleEvent(domain.Candidate{CallID: offer.CallID, Candidate: candidateAt(3)})
	h.sync(t)

	assert.Equal(t, []domain.ICECandidate{candidateAt(1), candidateAt(2), candidateAt(3)}, neg.snapshot().applied)
}

func TestLocalCandidatesFollowTheAnswer(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.factory.configure = func(n *fakeNegotiator) { n.acceptGate = gate }
	offer, neg := h.ring(t)

	require.NoError(t, h.svc.AcceptCall(context.Background(), offer.CallID))
	neg.handler.OnLocalCandidate(candidateAt(1))
	neg.handler.OnLocalCandidate(candidateAt(2))
	h.sync(t)
	assert.Empty(t, h.transport.kinds())

	close(gate)
	require.Eventually(t, func() bool { return len(h.transport.kinds()) == 3 }, waitFor, tick)
	assert.Equal(t, []domain.EventKind{domain.KindAnswer, domain.KindCandidate, domain.KindCandidate}, h.transport.kinds())
	candidates := sentOf[domain.Candidate](h.transport)
	assert.Equal(t, candidateAt(1), candidates[0].Candidate)
	assert.Equal(t, candidateAt(2), candidates[1].Candidate)

	neg.handler.OnLocalCandidate(candidateAt(3))
	require.Eventually(t, func() bool { return len(sentOf[domain.Candidate](h.transport)) == 3 }, waitFor, tick)
}

func TestConnectingTimeout(t *testing.T) {
	h := newHarness(t)
	offer, neg := h.ring(t)
	require.NoError(t, h.svc.AcceptCall(context.Background(), offer.CallID))

	h.clock.Advance(ConnectingTimeout)
	ended := h.waitEnded(t)
	assert.Equal(t, domain.ReasonTimeout, ended.reason.Reason)
	assert.Equal(t, domain.StatusEnded, h.observer.lastSession().Status)
	assert.Equal(t, 1, neg.snapshot().cleanups)

	require.Eventually(t, func() bool { return len(sentOf[domain.End](h.transport)) == 1 }, waitFor, tick)
	assert.Equal(t, string(domain.ReasonTimeout), sentOf[domain.End](h.transport)[0].Reason)
}

func TestMediaFailureWhileConnecting(t *testing.T) {
	h := newHarness(t)
	id, neg := h.dialRinging(t)
	h.svc.HandleEvent(domain.Answer{CallID: id})
	h.waitStatus(t, domain.StatusConnecting)

	neg.handler.OnConnectionStateChange(domain.ConnectionFailed)
	ended := h.waitEnded(t)
	assert.Equal(t, domain.ReasonError, ended.reason.Reason)
	assert.Equal(t, 1, neg.snapshot().cleanups)
}

func TestMediaDisconnectWhileConnectedOnlyNotifies(t *testing.T) {
	h := newHarness(t)
	_, neg := h.dialConnected(t)

	neg.handler.OnConnectionStateChange(domain.ConnectionDisconnected)
	h.sync(t)
	assert.Equal(t, domain.StatusConnected, h.svc.CurrentCall().Status)
	assert.Contains(t, h.observer.mediaStates(), domain.ConnectionDisconnected)

	neg.handler.OnConnectionStateChange(domain.ConnectionClosed)
	ended := h.waitEnded(t)
	assert.Equal(t, domain.ReasonError, ended.reason.Reason)
}

func TestRemoteTerminations(t *testing.T) {
	cases := []struct {
		name   string
		signal func(domain.CallID) domain.Signal
		status domain.CallStatus
		reason domain.EndReasonKind
	}{
		{"reject", func(id domain.CallID) domain.Signal { return domain.Reject{CallID: id, Reason: "not now"} }, domain.StatusDeclined, domain.ReasonDeclined},
		{"busy", func(id domain.CallID) domain.Signal { return domain.Busy{CallID: id} }, domain.StatusBusy, domain.ReasonBusy},
		{"end", func(id domain.CallID) domain.Signal { return domain.End{CallID: id, EndedBy: "bob", Reason: "bye"} }, domain.StatusEnded, domain.ReasonNormal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			id, neg := h.dialRinging(t)

			h.svc.HandleEvent(tc.signal(id))
			ended := h.waitEnded(t)
			assert.Equal(t, tc.reason, ended.reason.Reason)
			assert.Equal(t, tc.status, h.observer.lastSession().Status)
			assert.Nil(t, h.svc.CurrentCall())
			assert.Zero(t, h.clock.active(RingingTimeout))
			assert.Equal(t, 1, neg.snapshot().cleanups)

			h.sync(t)
			assert.Empty(t, sentOf[domain.End](h.transport), "remote terminations are not echoed")
		})
	}
}

func TestCalleeIgnoresBusy(t *testing.T) {
	h := newHarness(t)
	offer, _ := h.ring(t)

	h.svc.HandleEvent(domain.Busy{CallID: offer.CallID})
	h.sync(t)
	assert.Equal(t, domain.StatusRinging, h.svc.CurrentCall().Status)
}

func TestBusyAutoReply(t *testing.T) {
	h := newHarness(t)
	offer, _ := h.ring(t)

	other := incomingOffer("1700000000001-bbbbbbbbbbbb")
	other.From = domain.CallParticipant{UserID: "carol"}
	h.svc.HandleEvent(other)

	require.Eventually(t, func() bool { return len(sentOf[domain.Busy](h.transport)) == 1 }, waitFor, tick)
	assert.Equal(t, other.CallID, sentOf[domain.Busy](h.transport)[0].CallID)

	session := h.svc.CurrentCall()
	assert.Equal(t, offer.CallID, session.CallID)
	assert.Equal(t, domain.StatusRinging, session.Status)
	assert.Equal(t, 1, h.factory.count())
	assert.Len(t, h.observer.incomingCalls(), 1)
}

func TestRejectIncomingCall(t *testing.T) {
	h := newHarness(t)
	offer, neg := h.ring(t)

	require.NoError(t, h.svc.RejectCall(context.Background(), "in a meeting"))
	ended := h.waitEnded(t)
	assert.Equal(t, domain.ReasonDeclined, ended.reason.Reason)
	assert.Equal(t, domain.StatusDeclined, h.observer.lastSession().Status)
	assert.Equal(t, 1, neg.snapshot().cleanups)

	require.Eventually(t, func() bool { return len(sentOf[domain.Reject](h.transport)) == 1 }, waitFor, tick)
	reject := sentOf[domain.Reject](h.transport)[0]
	assert.Equal(t, offer.CallID, reject.CallID)
	assert.Equal(t, "in a meeting", reject.Reason)
}

func TestEndCallCleansUpOnce(t *testing.T) {
	h := newHarness(t)
	id, neg := h.dialConnected(t)

	h.clock.Advance(90 * time.Second)
	require.NoError(t, h.svc.EndCall(context.Background(), "bye"))
	ended := h.waitEnded(t)
	assert.Equal(t, domain.ReasonNormal, ended.reason.Reason)

	last := h.observer.lastSession()
	assert.Equal(t, domain.StatusEnded, last.Status)
	assert.Equal(t, 90*time.Second, last.Duration)

	require.ErrorIs(t, h.svc.EndCall(context.Background(), "bye"), domain.ErrNoActiveCall)
	assert.Equal(t, 1, neg.snapshot().cleanups)
	assert.Len(t, h.observer.endedCalls(), 1)

	require.Eventually(t, func() bool { return len(sentOf[domain.End](h.transport)) == 1 }, waitFor, tick)
	end := sentOf[domain.End](h.transport)[0]
	assert.Equal(t, id, end.CallID)
	assert.Equal(t, "bye", end.Reason)
}

func TestNegotiationFailureBeforeOffer(t *testing.T) {
	h := newHarness(t)
	h.factory.configure = func(n *fakeNegotiator) { n.acquireErr = errBoom }

	_, err := h.svc.InitiateCall(context.Background(), bob, "conv-1", domain.CallTypeAudio)
	require.NoError(t, err)

	ended := h.waitEnded(t)
	assert.Equal(t, domain.ReasonError, ended.reason.Reason)
	assert.Contains(t, ended.reason.Message, "boom")
	assert.Equal(t, 1, h.factory.last().snapshot().cleanups)

	h.sync(t)
	assert.Empty(t, h.transport.kinds(), "the remote party never heard of the call")
}

func TestOfferSendFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	h.transport.fail(domain.KindOffer, domain.ErrTransportNotConnected)

	_, err := h.svc.InitiateCall(context.Background(), bob, "conv-1", domain.CallTypeVideo)
	require.NoError(t, err)

	ended := h.waitEnded(t)
	assert.Equal(t, domain.ReasonError, ended.reason.Reason)
	assert.Contains(t, ended.reason.Message, domain.ErrTransportNotConnected.Error())
	assert.Nil(t, h.svc.CurrentCall())
	assert.Zero(t, h.clock.active(RingingTimeout))
}

func TestTogglesRequireConnected(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ToggleAudio(context.Background())
	require.ErrorIs(t, err, domain.ErrNoActiveCall)

	h.dialRinging(t)
	_, err = h.svc.ToggleVideo(context.Background())
	require.ErrorIs(t, err, domain.ErrNotConnected)
	_, err = h.svc.ToggleScreenShare(context.Background())
	require.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestToggleAudioAndVideoBroadcast(t *testing.T) {
	h := newHarness(t)
	id, _ := h.dialConnected(t)

	muted, err := h.svc.ToggleAudio(context.Background())
	require.NoError(t, err)
	assert.True(t, muted)
	off, err := h.svc.ToggleVideo(context.Background())
	require.NoError(t, err)
	assert.True(t, off)

	require.Eventually(t, func() bool { return len(sentOf[domain.StateUpdate](h.transport)) == 2 }, waitFor, tick)
	updates := sentOf[domain.StateUpdate](h.transport)
	assert.Equal(t, id, updates[0].CallID)
	assert.Equal(t, alice.UserID, updates[0].UserID)
	require.NotNil(t, updates[0].IsMuted)
	assert.True(t, *updates[0].IsMuted)
	assert.Nil(t, updates[0].IsVideoOff)
	require.NotNil(t, updates[1].IsVideoOff)
	assert.True(t, *updates[1].IsVideoOff)
}

func TestScreenShareReplacesTrackWithoutRenegotiation(t *testing.T) {
	h := newHarness(t)
	_, neg := h.answerConnected(t)
	before := h.transport.kinds()

	sharing, err := h.svc.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.True(t, sharing)

	sharing, err = h.svc.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.False(t, sharing)

	require.Eventually(t, func() bool { return len(sentOf[domain.StateUpdate](h.transport)) == 2 }, waitFor, tick)
	updates := sentOf[domain.StateUpdate](h.transport)
	assert.True(t, *updates[0].IsScreenSharing)
	assert.False(t, *updates[1].IsScreenSharing)

	state := neg.snapshot()
	assert.Equal(t, []string{"screen", "camera"}, state.replacements)
	assert.Equal(t, 1, state.answers)
	assert.Zero(t, state.offers)
	assert.Len(t, sentOf[domain.Answer](h.transport), 1)
	assert.Empty(t, sentOf[domain.Offer](h.transport))
	assert.Len(t, h.transport.kinds(), len(before)+2)
}

func TestScreenCaptureEndedByDevice(t *testing.T) {
	h := newHarness(t)
	_, neg := h.dialConnected(t)

	_, err := h.svc.ToggleScreenShare(context.Background())
	require.NoError(t, err)

	neg.handler.OnScreenShareEnded()
	require.Eventually(t, func() bool { return len(sentOf[domain.StateUpdate](h.transport)) == 2 }, waitFor, tick)
	assert.False(t, *sentOf[domain.StateUpdate](h.transport)[1].IsScreenSharing)
	assert.False(t, neg.snapshot().sharing)

	// a second notification has nothing left to stop
	neg.handler.OnScreenShareEnded()
	h.sync(t)
	assert.Equal(t, []string{"screen", "camera"}, neg.snapshot().replacements)
}

func TestScreenShareStartFailure(t *testing.T) {
	h := newHarness(t)
	h.factory.configure = func(n *fakeNegotiator) { n.screenErr = domain.ErrNoVideoSender }
	h.dialConnected(t)

	_, err := h.svc.ToggleScreenShare(context.Background())
	require.ErrorIs(t, err, domain.ErrNoVideoSender)
	assert.Equal(t, domain.StatusConnected, h.svc.CurrentCall().Status)
}

func TestTransportDisconnectKeepsCall(t *testing.T) {
	h := newHarness(t)
	h.dialConnected(t)

	h.svc.HandleEvent(domain.TransportStateChanged{State: domain.TransportReconnecting})
	h.svc.HandleEvent(domain.TransportStateChanged{State: domain.TransportDisconnected})
	h.sync(t)

	assert.Equal(t, domain.StatusConnected, h.svc.CurrentCall().Status)
	assert.Equal(t, []domain.TransportState{domain.TransportReconnecting, domain.TransportDisconnected}, h.observer.transportStates())
	assert.Empty(t, h.observer.endedCalls())
}

func TestRemoteStateUpdateForwarded(t *testing.T) {
	h := newHarness(t)
	id, _ := h.dialConnected(t)

	update := domain.StateUpdate{CallID: id, UserID: "bob", IsMuted: domain.Bool(true)}
	h.svc.HandleEvent(update)
	h.svc.HandleEvent(domain.StateUpdate{CallID: "other", IsMuted: domain.Bool(false)})
	h.sync(t)

	assert.Equal(t, []domain.StateUpdate{update}, h.observer.remoteUpdates())
	assert.Equal(t, domain.StatusConnected, h.svc.CurrentCall().Status)
}

func TestRemoteTrackSurfaced(t *testing.T) {
	h := newHarness(t)
	_, neg := h.dialConnected(t)

	track := domain.RemoteTrack{ID: "v0", StreamID: "bob", Kind: "video", Codec: "video/VP8"}
	neg.handler.OnRemoteTrack(track)
	h.sync(t)
	assert.Equal(t, []domain.RemoteTrack{track}, h.observer.remoteTracks())
}

func TestCallbacksFromPreviousCallAreIgnored(t *testing.T) {
	h := newHarness(t)
	_, first := h.dialRinging(t)
	require.NoError(t, h.svc.EndCall(context.Background(), ""))

	second, _ := h.ring(t)
	first.handler.OnConnectionStateChange(domain.ConnectionConnected)
	first.handler.OnLocalCandidate(candidateAt(1))
	h.sync(t)

	session := h.svc.CurrentCall()
	assert.Equal(t, second.CallID, session.CallID)
	assert.Equal(t, domain.StatusRinging, session.Status)
	assert.Empty(t, sentOf[domain.Candidate](h.transport))
}

func TestStopEndsActiveCall(t *testing.T) {
	h := newHarness(t)
	_, neg := h.dialConnected(t)

	h.svc.Stop()
	<-h.svc.Done()

	assert.Len(t, h.observer.endedCalls(), 1)
	assert.Equal(t, 1, neg.snapshot().cleanups)
	assert.Len(t, sentOf[domain.End](h.transport), 1)

	_, err := h.svc.InitiateCall(context.Background(), bob, "conv-1", domain.CallTypeAudio)
	require.ErrorIs(t, err, domain.ErrServiceStopped)
}

func TestRemoteEndReason(t *testing.T) {
	assert.Equal(t, domain.NewEndReason(domain.ReasonMissed, ""), remoteEndReason("missed"))
	assert.Equal(t, domain.NewEndReason(domain.ReasonNormal, "User is offline"), remoteEndReason("User is offline"))
	assert.Equal(t, domain.NewEndReason(domain.ReasonNormal, ""), remoteEndReason(""))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *lockedBuffer {
	t.Helper()
	out := &lockedBuffer{}
	prev := log.Logger
	log.Logger = zerolog.New(out).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log.Logger = prev })
	return out
}

func TestDroppedEventsAreLogged(t *testing.T) {
	out := captureLogs(t)
	h := newHarness(t)
	id, _ := h.dialRinging(t)

	h.svc.HandleEvent(domain.Answer{CallID: "someone-else"})
	h.sync(t)

	logs := out.String()
	assert.Contains(t, logs, `"call_id":"`+id.String()+`"`)
	assert.Contains(t, logs, `"remote_id":"bob"`)
	assert.Contains(t, logs, `"timer":"ringing"`)
	assert.Contains(t, logs, `"error":"`+domain.ErrStaleEvent.Error()+`"`)
	assert.Contains(t, logs, `"reason":"unknown call"`)
}
