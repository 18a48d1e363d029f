package models

import (
	"strings"
	"time"
)

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusRetrying  DeliveryStatus = "retrying"
)

// IsTerminal reports whether no further automatic attempts follow this status.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusFailed
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Category string

const (
	CategorySystem     Category = "system"
	CategoryBusiness   Category = "business"
	CategorySecurity   Category = "security"
	CategoryAttendance Category = "attendance"
	CategorySales      Category = "sales"
	CategoryDocuments  Category = "documents"
	CategoryReports    Category = "reports"
)

func (c Category) Valid() bool {
	switch c {
	case CategorySystem, CategoryBusiness, CategorySecurity, CategoryAttendance,
		CategorySales, CategoryDocuments, CategoryReports:
		return true
	}
	return false
}

// Audience is the class of clients a notification is written for.
type Audience string

const (
	AudienceAdmin    Audience = "admin"
	AudienceEmployee Audience = "employee"
)

func (a Audience) Valid() bool {
	return a == AudienceAdmin || a == AudienceEmployee
}

const (
	adminTypePrefix    = "admin_"
	employeeTypePrefix = "employee_"
)

// AudienceFromType maps the legacy admin_/employee_ type prefix to an audience.
// The second return value is false when the type carries neither prefix.
func AudienceFromType(notificationType string) (Audience, bool) {
	switch {
	case strings.HasPrefix(notificationType, adminTypePrefix):
		return AudienceAdmin, true
	case strings.HasPrefix(notificationType, employeeTypePrefix):
		return AudienceEmployee, true
	}
	return "", false
}

type Notification struct {
	ID                int64            `json:"id" db:"id"`
	UserID            string           `json:"userId" db:"user_id"`
	EmployeeID        *int64           `json:"employeeId,omitempty" db:"employee_id"`
	Type              string           `json:"type" db:"type"`
	Audience          Audience         `json:"audience" db:"audience"`
	Message           string           `json:"message" db:"message"`
	ActionURL         *string          `json:"actionUrl,omitempty" db:"action_url"`
	ActionLabel       *string          `json:"actionLabel,omitempty" db:"action_label"`
	Priority          Priority         `json:"priority" db:"priority"`
	Category          Category         `json:"category" db:"category"`
	BroadcastTo       BroadcastTargets `json:"broadcastTo"`
	DeliveryStatus    DeliveryStatus   `json:"deliveryStatus" db:"delivery_status"`
	DeliveryAttempts  int              `json:"deliveryAttempts" db:"delivery_attempts"`
	MaxRetries        int              `json:"maxRetries" db:"max_retries"`
	RetryCount        int              `json:"retryCount" db:"retry_count"`
	LastAttemptAt     *time.Time       `json:"lastAttemptAt,omitempty" db:"last_attempt_at"`
	DeliveredAt       *time.Time       `json:"deliveredAt,omitempty" db:"delivered_at"`
	FailedAt          *time.Time       `json:"failedAt,omitempty" db:"failed_at"`
	ErrorMessage      *string          `json:"errorMessage,omitempty" db:"error_message"`
	Read              bool             `json:"read" db:"read"`
	ClickedAt         *time.Time       `json:"clickedAt,omitempty" db:"clicked_at"`
	ActionCompletedAt *time.Time       `json:"actionCompletedAt,omitempty" db:"action_completed_at"`
	EngagementScore   float64          `json:"engagementScore" db:"engagement_score"`
	CreatedAt         time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time        `json:"updatedAt" db:"updated_at"`
}

// IsAdminMessage is the flag relayed to socket clients alongside the payload.
// Rows without a stored audience fall back to the type prefix.
func (n Notification) IsAdminMessage() bool {
	if n.Audience.Valid() {
		return n.Audience == AudienceAdmin
	}
	a, ok := AudienceFromType(n.Type)
	return ok && a == AudienceAdmin
}

// BroadcastTargets tells the relay which live audiences receive a notification.
// Employee without AllEmployees addresses only the recipient's own sockets.
type BroadcastTargets struct {
	Admin        bool `json:"admin"`
	Employee     bool `json:"employee"`
	AllEmployees bool `json:"allEmployees"`
}

// DeliveryUpdate is one state transition written back to a notification row.
type DeliveryUpdate struct {
	Status       DeliveryStatus
	Attempts     int
	AttemptAt    *time.Time
	DeliveredAt  *time.Time
	FailedAt     *time.Time
	ErrorMessage *string
}
