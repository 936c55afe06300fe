package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// CallController is the part of the call service the control API drives.
type CallController interface {
	CurrentCall() *domain.CallSession
	InitiateCall(ctx context.Context, to domain.CallParticipant, conversationID domain.ConversationID, callType domain.CallType) (domain.CallID, error)
	AcceptCall(ctx context.Context, callID domain.CallID) error
	RejectCall(ctx context.Context, reason string) error
	EndCall(ctx context.Context, reason string) error
	ToggleAudio(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
}

// AgentHandler exposes the local call to a user interface over HTTP.
type AgentHandler struct {
	Calls    CallController
	Gatherer prometheus.Gatherer
}

func NewAgentHandler(calls CallController, gatherer prometheus.Gatherer) *AgentHandler {
	return &AgentHandler{Calls: calls, Gatherer: gatherer}
}

func (h *AgentHandler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/call", func(r chi.Router) {
		r.Get("/", h.getCall)
		r.Post("/", h.initiate)
		r.Delete("/", h.end)
		r.Post("/accept", h.accept)
		r.Post("/reject", h.reject)
		r.Post("/audio", h.toggle("muted", h.Calls.ToggleAudio))
		r.Post("/video", h.toggle("videoOff", h.Calls.ToggleVideo))
		r.Post("/screen", h.toggle("screenSharing", h.Calls.ToggleScreenShare))
	})
	r.Get("/healthz", healthz)
	r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))

	return r
}

type initiateRequest struct {
	RecipientID    domain.UserID         `json:"recipientId"`
	RecipientName  string                `json:"recipientName,omitempty"`
	ConversationID domain.ConversationID `json:"conversationId"`
	CallType       domain.CallType       `json:"callType"`
}

type acceptRequest struct {
	CallID domain.CallID `json:"callId"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *AgentHandler) getCall(w http.ResponseWriter, r *http.Request) {
	session := h.Calls.CurrentCall()
	if session == nil {
		writeError(w, domain.ErrNoActiveCall)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *AgentHandler) initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RecipientID == "" {
		http.Error(w, "recipientId is required", http.StatusBadRequest)
		return
	}

	to := domain.CallParticipant{UserID: req.RecipientID, DisplayName: req.RecipientName}
	callID, err := h.Calls.InitiateCall(r.Context(), to, req.ConversationID, req.CallType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]domain.CallID{"callId": callID})
}

func (h *AgentHandler) accept(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Calls.AcceptCall(r.Context(), req.CallID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AgentHandler) reject(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Calls.RejectCall(r.Context(), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AgentHandler) end(w http.ResponseWriter, r *http.Request) {
	if err := h.Calls.EndCall(r.Context(), r.URL.Query().Get("reason")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AgentHandler) toggle(field string, fn func(context.Context) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		on, err := fn(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{field: on})
	}
}

// decodeBody accepts an empty body as the zero request.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNoActiveCall):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyInCall),
		errors.Is(err, domain.ErrNotConnected),
		errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidCallType):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrServiceStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Call command failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
