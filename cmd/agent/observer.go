package main

import (
	"context"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/rs/zerolog/log"
)

// logObserver reports call activity in the log and optionally answers
// incoming calls.
type logObserver struct {
	calls      *service.CallService
	autoAnswer bool
}

func (o *logObserver) OnSessionChanged(s *domain.CallSession) {
	if s == nil {
		return
	}
	log.Info().Str("call_id", s.CallID.String()).Str("status", string(s.Status)).Str("role", string(s.Role)).Msg("Call status")
}

func (o *logObserver) OnIncomingCall(offer domain.Offer) {
	log.Info().
		Str("call_id", offer.CallID.String()).
		Str("caller_id", offer.From.UserID.String()).
		Str("caller_name", offer.From.DisplayName).
		Str("call_type", string(offer.CallType)).
		Msg("Incoming call")
	if !o.autoAnswer {
		return
	}
	// the observer runs on the call loop; accepting from here would block it
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.calls.AcceptCall(ctx, offer.CallID); err != nil {
			log.Warn().Err(err).Str("call_id", offer.CallID.String()).Msg("Auto answer failed")
		}
	}()
}

func (o *logObserver) OnCallEnded(callID domain.CallID, reason domain.CallEndReason) {
	log.Info().Str("call_id", callID.String()).Str("reason", string(reason.Reason)).Str("message", reason.Message).Msg("Call ended")
}

func (o *logObserver) OnRemoteStateUpdate(u domain.StateUpdate) {
	e := log.Info().Str("call_id", u.CallID.String()).Str("user_id", u.UserID.String())
	if u.IsMuted != nil {
		e = e.Bool("muted", *u.IsMuted)
	}
	if u.IsVideoOff != nil {
		e = e.Bool("video_off", *u.IsVideoOff)
	}
	if u.IsScreenSharing != nil {
		e = e.Bool("screen_sharing", *u.IsScreenSharing)
	}
	e.Msg("Remote state")
}

func (o *logObserver) OnConnectionStateChanged(callID domain.CallID, state domain.ConnectionState) {
	log.Debug().Str("call_id", callID.String()).Str("state", string(state)).Msg("Media connection")
}

func (o *logObserver) OnTransportStateChanged(state domain.TransportState) {
	log.Info().Str("state", string(state)).Msg("Signaling transport")
}

func (o *logObserver) OnRemoteTrack(callID domain.CallID, track domain.RemoteTrack) {
	log.Info().Str("call_id", callID.String()).Str("kind", track.Kind).Str("codec", track.Codec).Msg("Receiving remote media")
}
