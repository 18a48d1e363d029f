package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/fieldnotify/internal/authz"
	"github.com/stanstork/fieldnotify/internal/models"
)

func TestClientBroadcast(t *testing.T) {
	tokens := authz.NewTokenManager("secret")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/broadcast-notification", r.URL.Path)
		var req BroadcastRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, EventNotification, req.Event)
		assert.Equal(t, int64(5), req.Data.ID)
		assert.True(t, tokens.VerifyService(req.Token))
		writeJSON(w, http.StatusOK, BroadcastResponse{Status: "ok", NotificationsSent: 2})
	}))
	defer ts.Close()

	c := NewBroadcastClient(ts.URL, time.Second, tokens)
	sent, err := c.Broadcast(context.Background(), NotificationPayload{
		Notification: models.Notification{ID: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
}

func TestClientBroadcastNon2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "draining"})
	}))
	defer ts.Close()

	c := NewBroadcastClient(ts.URL, time.Second, nil)
	_, err := c.Broadcast(context.Background(), NotificationPayload{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))
	assert.Contains(t, err.Error(), "draining")
}

func TestAPISinkPostsServiceToken(t *testing.T) {
	tokens := authz.NewTokenManager("secret")
	var got AlertNotification
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/notifications", r.URL.Path)
		auth := r.Header.Get("Authorization")
		assert.True(t, strings.HasPrefix(auth, "Bearer "))
		assert.True(t, tokens.VerifyService(strings.TrimPrefix(auth, "Bearer ")))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	sink := NewAPISink(ts.URL, time.Second, tokens)
	err := sink.Store(context.Background(), alertNotification(Alert{
		Kind: AlertOffline, EmployeeID: 4, Type: "admin_employee_offline",
		Message: "Employee #4 has been offline for 6 minutes", Priority: models.PriorityHigh,
	}))
	require.NoError(t, err)
	assert.Equal(t, "admin_employee_offline", got.Type)
	assert.True(t, got.SkipRealtime)
	assert.Equal(t, models.CategoryAttendance, got.Category)
}
