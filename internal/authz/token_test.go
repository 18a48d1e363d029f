package authz

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/fieldnotify/internal/models"
)

func TestUserTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("secret")
	eid := int64(42)

	tok, err := tm.IssueUser("user-1", models.RoleEmployee, &eid, time.Hour)
	require.NoError(t, err)

	id, err := tm.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, models.RoleEmployee, id.Role)
	require.NotNil(t, id.EmployeeID)
	assert.EqualValues(t, 42, *id.EmployeeID)
	assert.False(t, id.Service)
	assert.False(t, tm.VerifyService(tok))
}

func TestServiceToken(t *testing.T) {
	tm := NewTokenManager("secret")
	tok, err := tm.IssueService(time.Minute)
	require.NoError(t, err)
	assert.True(t, tm.VerifyService(tok))

	other := NewTokenManager("different")
	assert.False(t, other.VerifyService(tok))
}

func TestExpiredToken(t *testing.T) {
	tm := NewTokenManager("secret")
	tok, err := tm.IssueUser("user-1", models.RoleAdmin, nil, -time.Minute)
	require.NoError(t, err)

	_, err = tm.Parse(tok)
	assert.Error(t, err)
}

func TestDisabledManager(t *testing.T) {
	tm := NewTokenManager("")
	_, err := tm.IssueService(time.Minute)
	assert.ErrorIs(t, err, ErrTokenSecretMissing)
	assert.False(t, tm.VerifyService("anything"))
}

func TestAuthenticateAndRequireRole(t *testing.T) {
	tm := NewTokenManager("secret")
	handler := Authenticate(tm)(RequireRole(models.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromRequest(r)
		w.Write([]byte(uid))
	})))

	call := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, call("").Code)
	assert.Equal(t, http.StatusUnauthorized, call("garbage").Code)

	employeeTok, _ := tm.IssueUser("emp", models.RoleEmployee, nil, time.Hour)
	assert.Equal(t, http.StatusForbidden, call(employeeTok).Code)

	adminTok, _ := tm.IssueUser("boss", models.RoleAdmin, nil, time.Hour)
	rec := call(adminTok)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "boss", rec.Body.String())

	svcTok, _ := tm.IssueService(time.Minute)
	assert.Equal(t, http.StatusOK, call(svcTok).Code)
}

func TestSeparateServiceSecret(t *testing.T) {
	api := NewTokenManager("user-secret").WithServiceSecret("relay-secret")
	relaySide := NewTokenManager("relay-secret")

	svcTok, err := relaySide.IssueService(time.Minute)
	require.NoError(t, err)
	id, err := api.Parse(svcTok)
	require.NoError(t, err)
	assert.True(t, id.Service)

	// A user token signed with the service secret must not pass.
	forged, err := relaySide.IssueUser("boss", models.RoleAdmin, nil, time.Hour)
	require.NoError(t, err)
	_, err = api.Parse(forged)
	assert.Error(t, err)

	userTok, err := api.IssueUser("emp", models.RoleEmployee, nil, time.Hour)
	require.NoError(t, err)
	id, err = api.Parse(userTok)
	require.NoError(t, err)
	assert.Equal(t, "emp", id.UserID)
}
