package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/stanstork/fieldnotify/internal/authz"
)

// ErrUnexpectedStatus is returned when the relay answers with a non-2xx status.
var ErrUnexpectedStatus = errors.New("relay returned unexpected status")

const serviceTokenTTL = time.Minute

// BroadcastClient is the API side of the relay's HTTP control surface.
type BroadcastClient struct {
	http   *resty.Client
	tokens *authz.TokenManager
}

func NewBroadcastClient(baseURL string, timeout time.Duration, tokens *authz.TokenManager) *BroadcastClient {
	return &BroadcastClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		tokens: tokens,
	}
}

// Broadcast hands a notification to the relay and returns how many sockets
// it was emitted to.
func (c *BroadcastClient) Broadcast(ctx context.Context, p NotificationPayload) (int, error) {
	req := BroadcastRequest{Event: EventNotification, Data: p}
	if c.tokens != nil && c.tokens.Enabled() {
		token, err := c.tokens.IssueService(serviceTokenTTL)
		if err != nil {
			return 0, fmt.Errorf("issue service token: %w", err)
		}
		req.Token = token
	}

	var out BroadcastResponse
	var apiErr ErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/broadcast-notification")
	if err != nil {
		return 0, fmt.Errorf("broadcast notification: %w", err)
	}
	if !resp.IsSuccess() {
		if apiErr.Error != "" {
			return 0, fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode(), apiErr.Error)
		}
		return 0, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode())
	}
	return out.NotificationsSent, nil
}
