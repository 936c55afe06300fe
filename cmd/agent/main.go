package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/media/capture"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/adapter/driven/metrics"
	"github.com/Wyydra/yacall/internal/adapter/driven/signaling/ws"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).Level(level).With().Timestamp().Caller().Str("user_id", cfg.UserID.String()).Logger()
	log.Logger = l

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	iceServers := cfg.ICEServers
	if len(iceServers) == 0 {
		iceServers = pion.DefaultICEServers
	}
	factory, err := pion.NewFactory(iceServers, capture.NewSynthetic())
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to set up media")
	}

	transport, err := ws.NewTransport(cfg.SignalURL, cfg.UserID, ws.WithBackoff(500*time.Millisecond, cfg.ReconnectMaxBackoff))
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to set up signaling")
	}

	observer := &logObserver{autoAnswer: cfg.AutoAnswer}
	calls := service.NewCallService(cfg.Participant(), factory, transport,
		service.WithObserver(observer),
		service.WithMetrics(metrics.NewCallMetrics(reg)),
	)
	observer.calls = calls

	go calls.Run()

	ctx, stopSignaling := context.WithCancel(context.Background())
	signalingDone := make(chan struct{})
	go func() {
		transport.Run(ctx, calls)
		close(signalingDone)
	}()

	h := handler.NewAgentHandler(calls, reg)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h.NewRouter(),
	}

	go func() {
		l.Info().Str("addr", cfg.ListenAddr).Str("signal_url", cfg.SignalURL).Msg("Starting agent")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	// end the active call while signaling can still carry the farewell
	calls.Stop()
	select {
	case <-calls.Done():
	case <-shutdownCtx.Done():
	}
	stopSignaling()
	<-signalingDone
	l.Info().Msg("Agent exited")
}
