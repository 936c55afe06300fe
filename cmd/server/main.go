package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/adapter/driven/metrics"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/redis"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()
	log.Logger = l

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics := metrics.NewRelayMetrics(reg)

	var routes port.CallRouteRepository
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := redis.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err != nil {
			l.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer client.Close()
		routes = redis.NewCallRouteRepository(client, cfg.RouteTTL)
		l.Info().Str("addr", cfg.RedisAddr).Msg("Using redis call routes")
	} else {
		routes = memory.NewCallRouteRepository(cfg.RouteTTL)
		l.Info().Msg("Using in-memory call routes")
	}

	hub := ws.NewHub()
	relay := service.NewRelayService(routes, hub, relayMetrics)
	h := handler.NewHandler(relay, hub, relayMetrics, reg)

	go hub.Run()

	r := h.NewRouter()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		l.Info().Str("addr", cfg.ListenAddr).Msg("Starting relay")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Stop()
	l.Info().Msg("Server exited")
}
