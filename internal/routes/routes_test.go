package routes

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/fieldnotify/internal/authz"
	"github.com/stanstork/fieldnotify/internal/handlers"
	"github.com/stanstork/fieldnotify/internal/models"
	"github.com/stanstork/fieldnotify/internal/notification"
	"github.com/stanstork/fieldnotify/internal/repository"
)

type stubService struct{}

func (stubService) Notify(_ context.Context, req notification.Request) (*models.Notification, error) {
	return &models.Notification{ID: 1, UserID: req.UserID, Type: req.Type}, nil
}

func (stubService) NotifyUsers(context.Context, []string, notification.Request) ([]models.Notification, error) {
	return nil, nil
}

func (stubService) NotifyAdmins(context.Context, notification.Request) ([]models.Notification, error) {
	return nil, nil
}

func (stubService) List(context.Context, string, repository.ListOptions) ([]models.Notification, error) {
	return []models.Notification{}, nil
}

func (stubService) MarkRead(context.Context, string, int64) (models.Notification, error) {
	return models.Notification{}, repository.ErrNotFound
}

func (stubService) MarkAllRead(context.Context, string) (int64, error) { return 0, nil }

func (stubService) MarkClicked(context.Context, string, int64) (models.Notification, error) {
	return models.Notification{}, repository.ErrNotFound
}

func (stubService) MarkActionCompleted(context.Context, string, int64) (models.Notification, error) {
	return models.Notification{}, repository.ErrNotFound
}

func (stubService) RetryFailed(context.Context) (notification.RetrySummary, error) {
	return notification.RetrySummary{}, nil
}

func (stubService) PurgeStale(context.Context) (int64, error) { return 0, nil }

func newRouter(t *testing.T) (http.Handler, *authz.TokenManager) {
	t.Helper()
	db, err := sql.Open("postgres", "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokens := authz.NewTokenManager("test-secret")
	h := handlers.NewNotificationHandler(stubService{}, zerolog.Nop())
	return NewRouter(db, tokens, h), tokens
}

func request(t *testing.T, r http.Handler, method, path, token, body string) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec.Code
}

func TestAPIRequiresBearerToken(t *testing.T) {
	r, _ := newRouter(t)
	assert.Equal(t, http.StatusUnauthorized, request(t, r, http.MethodGet, "/api/notifications", "", ""))
	assert.Equal(t, http.StatusUnauthorized, request(t, r, http.MethodGet, "/api/notifications", "garbage", ""))
}

func TestCreateRequiresAdminOrService(t *testing.T) {
	r, tokens := newRouter(t)
	body := `{"userId":"emp-user-1","type":"employee_task","message":"Do it"}`

	employee, err := tokens.IssueUser("emp-user-1", models.RoleEmployee, nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, request(t, r, http.MethodPost, "/api/notifications", employee, body))

	adminToken, err := tokens.IssueUser("admin-1", models.RoleAdmin, nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, request(t, r, http.MethodPost, "/api/notifications", adminToken, body))

	service, err := tokens.IssueService(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, request(t, r, http.MethodPost, "/api/notifications", service, body))
}

func TestEmployeeCanReadOwnList(t *testing.T) {
	r, tokens := newRouter(t)
	employee, err := tokens.IssueUser("emp-user-1", models.RoleEmployee, nil, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, request(t, r, http.MethodGet, "/api/notifications", employee, ""))
	assert.Equal(t, http.StatusNotFound, request(t, r, http.MethodPost, "/api/notifications/3/read", employee, ""))
	assert.Equal(t, http.StatusForbidden, request(t, r, http.MethodPost, "/api/notifications/retry-failed", employee, ""))
}

func TestHealthReportsUnavailableDatabase(t *testing.T) {
	r, _ := newRouter(t)
	assert.Equal(t, http.StatusServiceUnavailable, request(t, r, http.MethodGet, "/health", "", ""))
}
