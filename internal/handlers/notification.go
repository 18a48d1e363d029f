package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/stanstork/fieldnotify/internal/authz"
	"github.com/stanstork/fieldnotify/internal/models"
	"github.com/stanstork/fieldnotify/internal/notification"
	"github.com/stanstork/fieldnotify/internal/repository"
)

type NotificationHandler struct {
	service  notification.Service
	validate *validator.Validate
	logger   zerolog.Logger
}

type bulkRequest struct {
	UserIDs      []string             `json:"userIds" validate:"required,min=1,max=1000,dive,required"`
	Notification notification.Request `json:"notification"`
}

type notCreatedResponse struct {
	Created bool `json:"created"`
}

func NewNotificationHandler(service notification.Service, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger.With().Str("handler", "notification").Logger(),
	}
}

// Create is the delivery entry point for other services and admin screens.
// A request with no recipient and the admin audience goes to every admin.
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req notification.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, validationMessage(err), http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.UserID) == "" && (req.EmployeeID == nil || req.Audience == models.AudienceAdmin) {
		h.createForAdmins(w, r, req)
		return
	}

	notif, err := h.service.Notify(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("type", req.Type).Msg("failed to create notification")
		http.Error(w, "Failed to create notification", http.StatusInternalServerError)
		return
	}
	if notif == nil {
		writeJSON(w, http.StatusAccepted, notCreatedResponse{Created: false})
		return
	}
	writeJSON(w, http.StatusCreated, notif)
}

func (h *NotificationHandler) createForAdmins(w http.ResponseWriter, r *http.Request, req notification.Request) {
	if req.Audience != models.AudienceAdmin {
		writeJSON(w, http.StatusAccepted, notCreatedResponse{Created: false})
		return
	}
	created, err := h.service.NotifyAdmins(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("type", req.Type).Msg("failed to notify admins")
		http.Error(w, "Failed to create notification", http.StatusInternalServerError)
		return
	}
	if len(created) == 0 {
		writeJSON(w, http.StatusAccepted, notCreatedResponse{Created: false})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"created":       true,
		"notifications": created,
	})
}

func (h *NotificationHandler) CreateBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, validationMessage(err), http.StatusBadRequest)
		return
	}

	created, err := h.service.NotifyUsers(r.Context(), req.UserIDs, req.Notification)
	if err != nil {
		h.logger.Error().Err(err).Int("users", len(req.UserIDs)).Msg("failed to create bulk notifications")
		http.Error(w, "Failed to create notifications", http.StatusInternalServerError)
		return
	}
	if len(created) == 0 {
		writeJSON(w, http.StatusAccepted, notCreatedResponse{Created: false})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"created":       true,
		"notifications": created,
	})
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	opts := repository.ListOptions{Limit: repository.DefaultListLimit}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Limit = min(parsed, repository.MaxListLimit)
		}
	}
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Offset = parsed
		}
	}
	opts.UnreadOnly, _ = strconv.ParseBool(q.Get("unread"))

	notifications, err := h.service.List(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list notifications")
		http.Error(w, "Failed to list notifications", http.StatusInternalServerError)
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
	})
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.updateOne(w, r, "mark notification as read", h.service.MarkRead)
}

func (h *NotificationHandler) MarkClicked(w http.ResponseWriter, r *http.Request) {
	h.updateOne(w, r, "record notification click", h.service.MarkClicked)
}

func (h *NotificationHandler) MarkActionCompleted(w http.ResponseWriter, r *http.Request) {
	h.updateOne(w, r, "record notification action", h.service.MarkActionCompleted)
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	updated, err := h.service.MarkAllRead(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to mark all notifications as read")
		http.Error(w, "Failed to update notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

func (h *NotificationHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.RetryFailed(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("retry sweep failed")
		http.Error(w, "Failed to retry notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type updateFunc func(ctx context.Context, userID string, id int64) (models.Notification, error)

func (h *NotificationHandler) updateOne(w http.ResponseWriter, r *http.Request, action string, update updateFunc) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	raw := strings.TrimSpace(mux.Vars(r)["notificationID"])
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid notification ID", http.StatusBadRequest)
		return
	}

	notif, err := update(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Notification not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Int64("notification_id", id).Msg("failed to " + action)
		http.Error(w, "Failed to update notification", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, notif)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" failed "+fe.Tag())
	}
	return "Invalid request: " + strings.Join(fields, ", ")
}
