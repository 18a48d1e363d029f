package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/stanstork/fieldnotify/internal/authz"
	"github.com/stanstork/fieldnotify/internal/models"
)

type Options struct {
	HeartbeatTimeout time.Duration
	LivenessInterval time.Duration
	StatusInterval   time.Duration
	AllowedOrigins   []string
	Settings         AlertSettings
}

// Server owns the live sockets, the employee status monitor and the HTTP
// control surface used by the API.
type Server struct {
	hub     *Hub
	monitor *Monitor
	sink    NotificationSink
	tokens  *authz.TokenManager

	// sessions verifies socket session tokens. Defaults to tokens.
	sessions *authz.TokenManager

	validate       *validator.Validate
	opts           Options
	allowedOrigins []string
	started        time.Time
	now            func() time.Time
	logger         zerolog.Logger
}

func NewServer(opts Options, sink NotificationSink, tokens *authz.TokenManager, logger zerolog.Logger) *Server {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 2 * time.Minute
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = time.Minute
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = time.Minute
	}
	return &Server{
		hub:            NewHub(logger),
		monitor:        NewMonitor(opts.Settings),
		sink:           sink,
		tokens:         tokens,
		sessions:       tokens,
		validate:       validator.New(),
		opts:           opts,
		allowedOrigins: opts.AllowedOrigins,
		started:        time.Now(),
		now:            time.Now,
		logger:         logger.With().Str("component", "relay_server").Logger(),
	}
}

// SetSessionTokens sets the manager used to verify the sessionToken a
// socket presents on connect.
func (s *Server) SetSessionTokens(t *authz.TokenManager) {
	s.sessions = t
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Monitor() *Monitor {
	return s.monitor
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/settings", s.getSettings).Methods(http.MethodGet)
	r.HandleFunc("/employee-status", s.employeeStatus).Methods(http.MethodGet)
	r.HandleFunc("/broadcast-notification", s.broadcastNotification).Methods(http.MethodPost)
	r.HandleFunc("/broadcast-location", s.broadcastLocation).Methods(http.MethodPost)
	r.HandleFunc("/update-settings", s.updateSettings).Methods(http.MethodPost)
	return r
}

// Run drives the liveness and alert sweeps until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	liveness := time.NewTicker(s.opts.LivenessInterval)
	defer liveness.Stop()
	status := time.NewTicker(s.opts.StatusInterval)
	defer status.Stop()

	s.logger.Info().
		Dur("liveness_interval", s.opts.LivenessInterval).
		Dur("status_interval", s.opts.StatusInterval).
		Msg("relay sweeps started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("relay sweeps stopped")
			return ctx.Err()
		case <-liveness.C:
			s.SweepLiveness()
		case <-status.C:
			s.SweepAlerts(ctx)
		}
	}
}

// SweepLiveness disconnects sockets that missed the heartbeat timeout.
func (s *Server) SweepLiveness() int {
	idle := s.hub.Idle(s.opts.HeartbeatTimeout)
	for _, info := range idle {
		s.logger.Info().
			Str("connection_id", info.ConnectionID).
			Str("user_id", info.UserID).
			Msg("closing idle connection")
		s.disconnect(info.ConnectionID, info)
	}
	return len(idle)
}

// SweepAlerts evaluates every employee status once and raises new alerts.
func (s *Server) SweepAlerts(ctx context.Context) int {
	alerts := s.monitor.Evaluate()
	for _, a := range alerts {
		s.raiseAlert(ctx, a)
	}
	return len(alerts)
}

// raiseAlert emits the alert to connected admins, then stores it through the
// sink. The stored copy skips the live path so admins see it once.
func (s *Server) raiseAlert(ctx context.Context, a Alert) {
	logger := s.logger.With().
		Str("alert", string(a.Kind)).
		Int64("employee_id", a.EmployeeID).
		Logger()

	employeeID := a.EmployeeID
	live := NotificationPayload{
		Notification: models.Notification{
			EmployeeID:     &employeeID,
			Type:           a.Type,
			Audience:       models.AudienceAdmin,
			Message:        a.Message,
			Priority:       a.Priority,
			Category:       models.CategoryAttendance,
			BroadcastTo:    models.BroadcastTargets{Admin: true},
			DeliveryStatus: models.DeliveryStatusSent,
			CreatedAt:      s.now(),
		},
		IsAdminMessage: true,
	}
	sent := s.hub.EmitToAdmins(EventNotification, live)
	logger.Info().Int("admins", sent).Msg("status alert emitted")

	if s.sink == nil {
		return
	}
	if err := s.sink.Store(ctx, alertNotification(a)); err != nil {
		logger.Warn().Err(err).Msg("failed to store status alert")
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Time:        s.now(),
		Connections: s.hub.Count(),
		Uptime:      time.Since(s.started).Seconds(),
	})
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Settings())
}

func (s *Server) employeeStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Statuses())
}

func (s *Server) broadcastNotification(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if s.tokens != nil && s.tokens.Enabled() && !s.tokens.VerifyService(req.Token) {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid service token"})
		return
	}

	event := req.Event
	if event == "" {
		event = EventNotification
	}
	req.Data.IsAdminMessage = req.Data.IsAdminMessage || req.Data.Notification.IsAdminMessage()
	sent := s.hub.EmitNotification(event, req.Data)

	s.logger.Debug().
		Int64("notification_id", req.Data.ID).
		Int("sockets", sent).
		Msg("notification broadcast")
	writeJSON(w, http.StatusOK, BroadcastResponse{Status: "ok", NotificationsSent: sent})
}

func (s *Server) broadcastLocation(w http.ResponseWriter, r *http.Request) {
	var ping LocationPing
	if err := json.NewDecoder(r.Body).Decode(&ping); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := s.validate.Struct(ping); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	s.monitor.Ingest(ping)
	s.hub.EmitToAll(EventLocationUpdate, ping)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := s.validate.Struct(req.Settings); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	settings := s.monitor.UpdateSettings(req.Settings)
	s.hub.EmitToAdmins(EventSettingsUpdated, settings)
	s.logger.Info().Interface("settings", settings).Msg("alert settings updated")
	writeJSON(w, http.StatusOK, settings)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
