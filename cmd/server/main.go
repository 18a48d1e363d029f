package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/stanstork/fieldnotify/internal/authz"
	"github.com/stanstork/fieldnotify/internal/config"
	"github.com/stanstork/fieldnotify/internal/events"
	"github.com/stanstork/fieldnotify/internal/handlers"
	"github.com/stanstork/fieldnotify/internal/middleware"
	"github.com/stanstork/fieldnotify/internal/migration"
	"github.com/stanstork/fieldnotify/internal/notification"
	"github.com/stanstork/fieldnotify/internal/relay"
	"github.com/stanstork/fieldnotify/internal/repository"
	"github.com/stanstork/fieldnotify/internal/routes"
	"github.com/stanstork/fieldnotify/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config        *config.Config
	db            *sql.DB
	tokens        *authz.TokenManager
	logger        zerolog.Logger
	publisher     events.Publisher
	notifications *notification.Engine
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	gooseAdapter := migration.NewGooseAdapter(logger)
	goose.SetLogger(gooseAdapter)

	// Load configuration.
	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	migration.RunMigrations(cfg.DatabaseURL, logger)

	publisher, err := events.NewPublisher(cfg.Broker.URL, cfg.Broker.Exchange, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the event broker")
	}
	defer publisher.Close()

	tokens := authz.NewTokenManager(cfg.JWTSecret).WithServiceSecret(cfg.Relay.ServiceToken)
	if !tokens.Enabled() {
		logger.Warn().Msg("jwt_secret is empty: API authentication will reject every request")
	}

	// Initialize the delivery engine.
	engine := notification.NewEngine(notification.Dependencies{
		Store:       repository.NewNotificationRepository(db),
		Recipients:  repository.NewRecipientRepository(db),
		Settings:    repository.NewSettingsRepository(db),
		Broadcaster: relay.NewBroadcastClient(cfg.Relay.URL, cfg.Delivery.RequestTimeout, authz.NewTokenManager(cfg.Relay.ServiceToken)),
		Publisher:   publisher,
	}, cfg, logger)

	app := &application{
		config:        cfg,
		db:            db,
		tokens:        tokens,
		logger:        logger,
		publisher:     publisher,
		notifications: engine,
	}

	// Start the sweep worker in a separate goroutine.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	app.startWorker(workerCtx)

	// Initialize the HTTP router and middleware.
	router := app.initRouter()
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, stopWorker)

	logger.Info().Msg("Application terminated.")
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter() http.Handler {
	notificationHandler := handlers.NewNotificationHandler(app.notifications, app.logger)
	return routes.NewRouter(app.db, app.tokens, notificationHandler)
}

func (app *application) startWorker(ctx context.Context) {
	w, err := worker.NewWorker(worker.WorkerConfig{
		Engine:            app.notifications,
		RetryInterval:     app.config.Sweeps.RetryInterval,
		RetentionInterval: app.config.Sweeps.RetentionInterval,
	}, app.logger)
	if err != nil {
		app.logger.Fatal().Err(err).Msg("Failed to create sweep worker")
	}

	go func() {
		if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Error().Err(err).Msg("Sweep worker exited")
		}
	}()
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, stopWorker context.CancelFunc) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		app.logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		app.logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		app.logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		app.logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		app.logger.Info().Msg("HTTP server shutdown complete.")
	}

	app.logger.Info().Msg("Stopping sweep worker...")
	stopWorker()
}
