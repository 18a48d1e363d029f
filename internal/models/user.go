package models

type UserRole string

const (
	RoleAdmin    UserRole = "admin"
	RoleEmployee UserRole = "employee"
)

type User struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Role     UserRole `json:"role"`
	IsActive bool     `json:"is_active"`
}

type Employee struct {
	ID     int64  `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// Recipient is a resolved notification target.
type Recipient struct {
	UserID         string
	EmployeeID     *int64
	Role           UserRole
	EmployeeUserID string // owner of EmployeeID, if any
}

// Settings are the realtime toggles owned by the admin settings screens.
type Settings struct {
	AdminRealtimeEnabled    bool `json:"adminRealtimeEnabled"`
	EmployeeRealtimeEnabled bool `json:"employeeRealtimeEnabled"`
}

func DefaultSettings() Settings {
	return Settings{AdminRealtimeEnabled: true, EmployeeRealtimeEnabled: true}
}

// RealtimeEnabled reports the toggle for the given audience.
func (s Settings) RealtimeEnabled(a Audience) bool {
	if a == AudienceEmployee {
		return s.EmployeeRealtimeEnabled
	}
	return s.AdminRealtimeEnabled
}
