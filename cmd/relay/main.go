package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/rs/zerolog"

	"github.com/stanstork/fieldnotify/internal/authz"
	"github.com/stanstork/fieldnotify/internal/config"
	"github.com/stanstork/fieldnotify/internal/middleware"
	"github.com/stanstork/fieldnotify/internal/relay"
)

func main() {
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Str("service", "relay").Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	// Service tokens sign relay <-> API calls; session tokens are checked
	// against the API's user secret.
	serviceTokens := authz.NewTokenManager(cfg.Relay.ServiceToken)
	sessionTokens := authz.NewTokenManager(cfg.JWTSecret)
	if !serviceTokens.Enabled() {
		logger.Warn().Msg("relay.service_token is empty: broadcast endpoint is unauthenticated")
	}

	sink := relay.NewAPISink(cfg.Relay.APIURL, cfg.Delivery.RequestTimeout, serviceTokens)
	srv := relay.NewServer(relay.Options{
		HeartbeatTimeout: cfg.Relay.HeartbeatTimeout,
		LivenessInterval: cfg.Relay.LivenessInterval,
		StatusInterval:   cfg.Relay.StatusInterval,
		AllowedOrigins:   cfg.AllowedOrigins,
		Settings: relay.AlertSettings{
			StationaryAlertThreshold: cfg.Alerts.StationaryMinutes,
			LowBatteryThreshold:      cfg.Alerts.LowBatteryPercent,
			OfflineAlertThreshold:    cfg.Alerts.OfflineMinutes,
			StationaryAlertsEnabled:  cfg.Alerts.StationaryEnabled,
			LowBatteryAlertsEnabled:  cfg.Alerts.LowBatteryEnabled,
			OfflineAlertsEnabled:     cfg.Alerts.OfflineEnabled,
		},
	}, sink, serviceTokens, logger)
	srv.SetSessionTokens(sessionTokens)

	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	go func() {
		if err := srv.Run(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Relay sweeps exited")
		}
	}()

	handler := h.CORS(
		h.AllowedOrigins(cfg.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(middleware.LoggingMiddleware(logger)(srv.Router()))

	server := &http.Server{
		Addr:    ":" + cfg.Relay.Port,
		Handler: handler,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Relay listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	stopSweeps()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Relay shutdown error")
	}
	logger.Info().Msg("Relay terminated.")
}
