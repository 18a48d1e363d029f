package routes

import (
	"database/sql"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stanstork/fieldnotify/internal/authz"
	"github.com/stanstork/fieldnotify/internal/handlers"
	"github.com/stanstork/fieldnotify/internal/models"
)

// NewRouter sets up the API routes.
func NewRouter(db *sql.DB, tokens *authz.TokenManager, notifications *handlers.NotificationHandler) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", handlers.HealthCheck(db)).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(authz.Authenticate(tokens))

	api.HandleFunc("/notifications", notifications.List).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read-all", notifications.MarkAllRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{notificationID:[0-9]+}/read", notifications.MarkRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{notificationID:[0-9]+}/click", notifications.MarkClicked).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{notificationID:[0-9]+}/complete", notifications.MarkActionCompleted).Methods(http.MethodPost)

	// Creation is for admin screens and for other fieldnotify processes.
	api.Handle("/notifications", adminOnly(notifications.Create)).Methods(http.MethodPost)
	api.Handle("/notifications/bulk", adminOnly(notifications.CreateBulk)).Methods(http.MethodPost)
	api.Handle("/notifications/retry-failed", adminOnly(notifications.RetryFailed)).Methods(http.MethodPost)

	return router
}

func adminOnly(h http.HandlerFunc) http.Handler {
	return authz.RequireRoleHandler(models.RoleAdmin, h)
}
