package notification

import (
	"strings"

	"github.com/stanstork/fieldnotify/internal/actionurl"
	"github.com/stanstork/fieldnotify/internal/models"
	"github.com/stanstork/fieldnotify/internal/repository"
)

// Request is the input of the delivery entry point.
type Request struct {
	UserID              string          `json:"userId,omitempty"`
	EmployeeID          *int64          `json:"employeeId,omitempty" validate:"omitempty,gt=0"`
	Type                string          `json:"type" validate:"required,max=100"`
	Audience            models.Audience `json:"audience,omitempty" validate:"omitempty,oneof=admin employee"`
	Message             string          `json:"message" validate:"required"`
	ActionURL           string          `json:"actionUrl,omitempty"`
	ActionLabel         string          `json:"actionLabel,omitempty" validate:"max=100"`
	SessionToken        string          `json:"sessionToken,omitempty"`
	BroadcastToAdmin    *bool           `json:"broadcastToAdmin,omitempty"`
	BroadcastToEmployee *bool           `json:"broadcastToEmployee,omitempty"`
	BroadcastAll        bool            `json:"broadcastAll,omitempty"`
	SkipRealtime        bool            `json:"skipRealtime,omitempty"`
	Priority            models.Priority `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	Category            models.Category `json:"category,omitempty" validate:"omitempty,oneof=system business security attendance sales documents reports"`
	MaxRetries          int             `json:"maxRetries,omitempty" validate:"omitempty,gte=1,lte=10"`
}

// audience picks the explicit audience, then the type prefix, then the
// recipient's role.
func (r Request) audience(role models.UserRole) models.Audience {
	if r.Audience.Valid() {
		return r.Audience
	}
	if a, ok := models.AudienceFromType(r.Type); ok {
		return a
	}
	if role == models.RoleAdmin {
		return models.AudienceAdmin
	}
	return models.AudienceEmployee
}

// targets applies the broadcast defaults: admins unless told otherwise;
// employees only for an admin action about a specific employee, or for a
// broadcast to everyone.
func (r Request) targets(audience models.Audience, recipient models.Recipient) models.BroadcastTargets {
	t := models.BroadcastTargets{Admin: true, AllEmployees: r.BroadcastAll}
	if r.BroadcastToAdmin != nil {
		t.Admin = *r.BroadcastToAdmin
	}
	switch {
	case r.BroadcastToEmployee != nil:
		t.Employee = *r.BroadcastToEmployee
	case r.BroadcastAll:
		t.Employee = true
	default:
		t.Employee = r.SessionToken != "" && recipient.EmployeeID != nil && audience == models.AudienceEmployee
	}
	return t
}

func (r Request) params(recipient models.Recipient, defaultRetries int) repository.CreateNotificationParams {
	audience := r.audience(recipient.Role)

	priority := r.Priority
	if !priority.Valid() {
		priority = models.PriorityNormal
	}
	category := r.Category
	if !category.Valid() {
		category = models.CategorySystem
	}
	maxRetries := r.MaxRetries
	if maxRetries < 1 {
		maxRetries = defaultRetries
	}

	params := repository.CreateNotificationParams{
		UserID:      recipient.UserID,
		EmployeeID:  recipient.EmployeeID,
		Type:        strings.TrimSpace(r.Type),
		Audience:    audience,
		Message:     strings.TrimSpace(r.Message),
		Priority:    priority,
		Category:    category,
		BroadcastTo: r.targets(audience, recipient),
		MaxRetries:  maxRetries,
	}
	if u := actionurl.Validate(r.ActionURL); u != "" {
		params.ActionURL = &u
		if label := strings.TrimSpace(r.ActionLabel); label != "" {
			params.ActionLabel = &label
		}
	}
	return params
}
