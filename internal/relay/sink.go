package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/stanstork/fieldnotify/internal/authz"
	"github.com/stanstork/fieldnotify/internal/models"
)

// AlertNotification is the body the relay posts to the API to persist a
// status alert. Field names follow the API's create request.
type AlertNotification struct {
	UserID       string          `json:"userId,omitempty"`
	EmployeeID   *int64          `json:"employeeId,omitempty"`
	Type         string          `json:"type"`
	Audience     models.Audience `json:"audience"`
	Message      string          `json:"message"`
	ActionURL    string          `json:"actionUrl,omitempty"`
	ActionLabel  string          `json:"actionLabel,omitempty"`
	Priority     models.Priority `json:"priority"`
	Category     models.Category `json:"category"`
	SkipRealtime bool            `json:"skipRealtime"`
}

// NotificationSink stores alerts raised by the relay.
type NotificationSink interface {
	Store(ctx context.Context, n AlertNotification) error
}

// APISink stores alerts through the API's notification endpoint.
type APISink struct {
	http   *resty.Client
	tokens *authz.TokenManager
}

func NewAPISink(apiURL string, timeout time.Duration, tokens *authz.TokenManager) *APISink {
	return &APISink{
		http: resty.New().
			SetBaseURL(apiURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		tokens: tokens,
	}
}

func (s *APISink) Store(ctx context.Context, n AlertNotification) error {
	req := s.http.R().SetContext(ctx).SetBody(n)
	if s.tokens != nil && s.tokens.Enabled() {
		token, err := s.tokens.IssueService(serviceTokenTTL)
		if err != nil {
			return fmt.Errorf("issue service token: %w", err)
		}
		req.SetAuthToken(token)
	}

	resp, err := req.Post("/api/notifications")
	if err != nil {
		return fmt.Errorf("store alert: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode())
	}
	return nil
}

// alertNotification builds the durable copy of a status alert.
func alertNotification(a Alert) AlertNotification {
	employeeID := a.EmployeeID
	return AlertNotification{
		EmployeeID:   &employeeID,
		Type:         a.Type,
		Audience:     models.AudienceAdmin,
		Message:      a.Message,
		ActionURL:    "/admin/location",
		ActionLabel:  "View location",
		Priority:     a.Priority,
		Category:     models.CategoryAttendance,
		SkipRealtime: true,
	}
}
