package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/fieldnotify/internal/models"
	"github.com/stanstork/fieldnotify/internal/relay"
)

// broadcastLog records every broadcast the relay receives before serving it.
type broadcastLog struct {
	mu       sync.Mutex
	requests []relay.BroadcastRequest
}

func (l *broadcastLog) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/broadcast-notification" {
			body, err := io.ReadAll(r.Body)
			if err == nil {
				var req relay.BroadcastRequest
				if json.Unmarshal(body, &req) == nil {
					l.mu.Lock()
					l.requests = append(l.requests, req)
					l.mu.Unlock()
				}
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		next.ServeHTTP(w, r)
	})
}

func (l *broadcastLog) snapshot() []relay.BroadcastRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]relay.BroadcastRequest(nil), l.requests...)
}

func dialRelay(t *testing.T, ts *httptest.Server, query url.Values) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readNotification(t *testing.T, conn *websocket.Conn) relay.NotificationPayload {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env relay.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, relay.EventNotification, env.Event)
	var p relay.NotificationPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p
}

func assertNoMoreFrames(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestStockUpdateReachesAdminAndEmployeeOnce(t *testing.T) {
	srv := relay.NewServer(relay.Options{Settings: relay.DefaultAlertSettings()}, nil, nil, zerolog.Nop())
	log := &broadcastLog{}
	ts := httptest.NewServer(log.wrap(srv.Router()))
	t.Cleanup(ts.Close)

	admin := dialRelay(t, ts, url.Values{"userId": {"admin-1"}, "sessionToken": {"admin-session"}, "isAdmin": {"true"}})
	employee := dialRelay(t, ts, url.Values{"userId": {"emp-user-1"}, "sessionToken": {"emp-session"}, "employeeId": {"7"}})
	bystander := dialRelay(t, ts, url.Values{"userId": {"emp-user-2"}, "sessionToken": {"other-session"}, "employeeId": {"8"}})
	require.Eventually(t, func() bool { return srv.Hub().Count() == 3 }, 2*time.Second, 10*time.Millisecond)

	h := newHarness(t, 0, enabled())
	h.engine.broadcaster = relay.NewBroadcastClient(ts.URL, 2*time.Second, nil)
	ctx := context.Background()

	adminNotif, err := h.engine.Notify(ctx, Request{
		UserID:     "admin-1",
		EmployeeID: int64Ptr(7),
		Type:       "admin_stock_updated",
		Message:    "Field Worker updated stock for Widget to 5",
		ActionURL:  "/admin/stock",
	})
	require.NoError(t, err)
	require.NotNil(t, adminNotif)
	assert.Equal(t, models.DeliveryStatusDelivered, adminNotif.DeliveryStatus)

	employeeNotif, err := h.engine.Notify(ctx, Request{
		EmployeeID:       int64Ptr(7),
		Type:             "employee_stock_updated",
		Message:          "Your stock for Widget was set to 5",
		ActionURL:        "/employee/stock",
		SessionToken:     "admin-session",
		BroadcastToAdmin: boolPtr(false),
	})
	require.NoError(t, err)
	require.NotNil(t, employeeNotif)
	assert.Equal(t, models.DeliveryStatusDelivered, employeeNotif.DeliveryStatus)
	assert.Equal(t, 2, h.store.count())

	sent := log.snapshot()
	require.Len(t, sent, 2, "one relay broadcast per notification")
	assert.Equal(t, "admin_stock_updated", sent[0].Data.Type)
	assert.Equal(t, models.BroadcastTargets{Admin: true}, sent[0].Data.BroadcastTo)
	assert.Equal(t, "employee_stock_updated", sent[1].Data.Type)
	assert.Equal(t, models.BroadcastTargets{Employee: true}, sent[1].Data.BroadcastTo)
	assert.Equal(t, []string{"emp-user-1"}, sent[1].Data.Recipients)

	got := readNotification(t, admin)
	assert.Equal(t, adminNotif.ID, got.ID)
	assert.Equal(t, "admin_stock_updated", got.Type)
	assert.True(t, got.IsAdminMessage)
	assertNoMoreFrames(t, admin)

	got = readNotification(t, employee)
	assert.Equal(t, employeeNotif.ID, got.ID)
	assert.Equal(t, "employee_stock_updated", got.Type)
	assert.False(t, got.IsAdminMessage)
	assertNoMoreFrames(t, employee)

	assertNoMoreFrames(t, bystander)
}
