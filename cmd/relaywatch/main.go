package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanstork/fieldnotify/internal/config"
	"github.com/stanstork/fieldnotify/internal/models"
	"github.com/stanstork/fieldnotify/internal/subscription"
)

// relaywatch holds one relay subscription open and logs every event it
// receives. Handy for checking what an admin or employee session would see.
func main() {
	userID := flag.String("user", "", "user id to connect as")
	token := flag.String("token", "", "session token for the user")
	audience := flag.String("audience", string(models.AudienceAdmin), "admin or employee")
	employeeID := flag.Int64("employee", 0, "employee id, for employee sessions")
	flag.Parse()

	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Str("service", "relaywatch").Logger()

	cfg := config.Load()

	opts := subscription.Options{
		URL:          websocketURL(cfg.Relay.URL),
		Audience:     models.Audience(*audience),
		UserID:       *userID,
		SessionToken: *token,
	}
	if *employeeID > 0 {
		opts.EmployeeID = employeeID
	}

	m, err := subscription.NewManager(opts, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid subscription options")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	changes, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Init(ctx)
	m.SetAuthenticated(true)
	m.SetRealtimeEnabled(true)
	defer m.Teardown()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Stopped.")
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			ev := logger.Info().Str("from", string(c.From)).Str("to", string(c.To))
			if c.Err != nil {
				ev = ev.Err(c.Err)
			}
			ev.Msg("connection state")
			if c.To == subscription.StateFailed {
				logger.Error().Msg("Relay unreachable, giving up")
				return
			}
		case env := <-m.Messages():
			data := env.Data
			if len(data) == 0 {
				data = []byte("null")
			}
			logger.Info().Str("event", env.Event).RawJSON("data", data).Msg("relay event")
		}
	}
}

// websocketURL turns the relay's HTTP base URL into its socket endpoint.
func websocketURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
