package authz

import (
	"context"
	"net/http"

	"github.com/stanstork/fieldnotify/internal/models"
)

type contextKey string

const (
	userIDKey     contextKey = "user_id"
	userRoleKey   contextKey = "user_role"
	employeeIDKey contextKey = "employee_id"
)

// Identity is the authenticated caller of an API request.
type Identity struct {
	UserID     string
	Role       models.UserRole
	EmployeeID *int64

	// Service is set for calls made by other fieldnotify processes.
	Service bool
}

// WithIdentity stores the caller on the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	if id.UserID != "" {
		ctx = context.WithValue(ctx, userIDKey, id.UserID)
	}
	if id.EmployeeID != nil {
		ctx = context.WithValue(ctx, employeeIDKey, *id.EmployeeID)
	}
	role := id.Role
	if id.Service {
		role = roleService
	}
	if role != "" {
		ctx = context.WithValue(ctx, userRoleKey, role)
	}
	return ctx
}

func UserIDFromRequest(r *http.Request) (string, bool) {
	uid, ok := r.Context().Value(userIDKey).(string)
	if !ok || uid == "" {
		return "", false
	}
	return uid, true
}

func RoleFromRequest(r *http.Request) (models.UserRole, bool) {
	role, ok := r.Context().Value(userRoleKey).(models.UserRole)
	if !ok || role == "" {
		return "", false
	}
	return role, true
}

func EmployeeIDFromRequest(r *http.Request) (int64, bool) {
	eid, ok := r.Context().Value(employeeIDKey).(int64)
	return eid, ok
}
