package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const offlineReason = "User is offline"

// Relay outcomes reported to metrics.
const (
	OutcomeDelivered  = "delivered"
	OutcomeOffline    = "offline"
	OutcomeUnroutable = "unroutable"
	OutcomeRejected   = "rejected"
	OutcomeFailed     = "failed"
)

// RelayService forwards call signals between the two parties of a call. It
// never inspects session descriptions.
type RelayService struct {
	routes  port.CallRouteRepository
	gateway port.RelayGateway
	metrics port.RelayMetrics
	now     func() time.Time
}

func NewRelayService(routes port.CallRouteRepository, gateway port.RelayGateway, metrics port.RelayMetrics) *RelayService {
	return &RelayService{
		routes:  routes,
		gateway: gateway,
		metrics: metrics,
		now:     time.Now,
	}
}

// Relay delivers a signal sent by from. Offers open a route to the addressed
// user; every other signal follows the route of its call.
func (s *RelayService) Relay(ctx context.Context, from domain.UserID, sig domain.Signal) error {
	if offer, ok := sig.(domain.Offer); ok {
		return s.relayOffer(ctx, from, offer)
	}

	callID := sig.SignalCallID()
	l := log.With().Str("call_id", callID.String()).Str("user_id", from.String()).Str("event", string(sig.Kind())).Logger()

	route, err := s.routes.Get(ctx, callID)
	if err != nil {
		if errors.Is(err, domain.ErrRouteNotFound) {
			l.Warn().Msg("No route for call, dropping signal")
			s.metrics.SignalRelayed(sig.Kind(), OutcomeUnroutable)
		} else {
			s.metrics.SignalRelayed(sig.Kind(), OutcomeFailed)
		}
		return err
	}

	peer, ok := route.Peer(from)
	if !ok {
		l.Warn().Msg("Signal from outside the call")
		s.metrics.SignalRelayed(sig.Kind(), OutcomeRejected)
		return domain.ErrNotParticipant
	}

	switch m := sig.(type) {
	case domain.End:
		m.EndedBy = from
		sig = m
	case domain.StateUpdate:
		m.UserID = from
		sig = m
	}

	switch sig.Kind() {
	case domain.KindReject, domain.KindEnd, domain.KindBusy:
		if err := s.routes.Delete(ctx, callID); err != nil {
			l.Error().Err(err).Msg("Failed to delete call route")
		}
	}

	if err := s.gateway.Deliver(ctx, peer, sig); err != nil {
		s.metrics.SignalRelayed(sig.Kind(), outcomeOf(err))
		return fmt.Errorf("deliver %s to %s: %w", sig.Kind(), peer, err)
	}
	s.metrics.SignalRelayed(sig.Kind(), OutcomeDelivered)
	return nil
}

func (s *RelayService) relayOffer(ctx context.Context, from domain.UserID, offer domain.Offer) error {
	offer.From.UserID = from
	to := offer.To.UserID
	l := log.With().Str("call_id", offer.CallID.String()).Str("user_id", from.String()).Str("recipient_id", to.String()).Logger()

	if offer.CallID == "" || to == "" || to == from {
		l.Warn().Msg("Malformed offer")
		s.metrics.SignalRelayed(offer.Kind(), OutcomeRejected)
		return fmt.Errorf("%w: offer needs a call id and another recipient", domain.ErrNotParticipant)
	}

	if !s.gateway.IsOnline(to) {
		l.Info().Msg("Recipient offline")
		s.metrics.SignalRelayed(offer.Kind(), OutcomeOffline)
		return s.bounceOffline(ctx, offer)
	}

	route := domain.CallRoute{
		CallID:    offer.CallID,
		CallerID:  from,
		CalleeID:  to,
		CreatedAt: s.now(),
	}
	if err := s.routes.Save(ctx, route); err != nil {
		s.metrics.SignalRelayed(offer.Kind(), OutcomeFailed)
		return fmt.Errorf("save route: %w", err)
	}

	if err := s.gateway.Deliver(ctx, to, offer); err != nil {
		s.metrics.SignalRelayed(offer.Kind(), outcomeOf(err))
		if errors.Is(err, domain.ErrUserOffline) {
			_ = s.routes.Delete(ctx, offer.CallID)
			return s.bounceOffline(ctx, offer)
		}
		return fmt.Errorf("deliver offer: %w", err)
	}

	l.Debug().Msg("Offer relayed")
	s.metrics.SignalRelayed(offer.Kind(), OutcomeDelivered)
	return nil
}

// bounceOffline ends the call on the caller's side.
func (s *RelayService) bounceOffline(ctx context.Context, offer domain.Offer) error {
	end := domain.End{CallID: offer.CallID, EndedBy: offer.To.UserID, Reason: offlineReason}
	if err := s.gateway.Deliver(ctx, offer.From.UserID, end); err != nil {
		return fmt.Errorf("notify caller: %w", err)
	}
	return nil
}

func outcomeOf(err error) string {
	if errors.Is(err, domain.ErrUserOffline) {
		return OutcomeOffline
	}
	return OutcomeFailed
}
