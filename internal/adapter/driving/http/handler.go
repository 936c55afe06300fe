package http

import (
	"net/http"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the relay: the signaling websocket plus health and metrics.
type Handler struct {
	Relay    *service.RelayService
	Hub      *ws.Hub
	Metrics  port.RelayMetrics
	Gatherer prometheus.Gatherer
}

func NewHandler(relay *service.RelayService, hub *ws.Hub, metrics port.RelayMetrics, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		Relay:    relay,
		Hub:      hub,
		Metrics:  metrics,
		Gatherer: gatherer,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)
	r.Get("/healthz", healthz)
	r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))

	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
