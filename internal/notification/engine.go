package notification

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/fieldnotify/internal/actionurl"
	"github.com/stanstork/fieldnotify/internal/config"
	"github.com/stanstork/fieldnotify/internal/events"
	"github.com/stanstork/fieldnotify/internal/models"
	"github.com/stanstork/fieldnotify/internal/relay"
	"github.com/stanstork/fieldnotify/internal/repository"
)

// Store is the notification persistence the engine writes through.
type Store interface {
	repository.NotificationRepository
}

// Broadcaster hands a stored notification to the relay.
type Broadcaster interface {
	Broadcast(ctx context.Context, p relay.NotificationPayload) (int, error)
}

type Service interface {
	Notify(ctx context.Context, req Request) (*models.Notification, error)
	NotifyUsers(ctx context.Context, userIDs []string, req Request) ([]models.Notification, error)
	NotifyAdmins(ctx context.Context, req Request) ([]models.Notification, error)
	List(ctx context.Context, userID string, opts repository.ListOptions) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID string, id int64) (models.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	MarkClicked(ctx context.Context, userID string, id int64) (models.Notification, error)
	MarkActionCompleted(ctx context.Context, userID string, id int64) (models.Notification, error)
	RetryFailed(ctx context.Context) (RetrySummary, error)
	PurgeStale(ctx context.Context) (int64, error)
}

type Dependencies struct {
	Store       Store
	Recipients  repository.RecipientRepository
	Settings    repository.SettingsRepository
	Broadcaster Broadcaster
	Publisher   events.Publisher
}

// Engine persists notifications and drives their live delivery.
type Engine struct {
	store       Store
	recipients  repository.RecipientRepository
	settings    repository.SettingsRepository
	broadcaster Broadcaster
	publisher   events.Publisher
	limiter     *RateLimiter

	backoff    Backoff
	maxRetries int
	sweeps     config.SweepConfig

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger zerolog.Logger
}

func NewEngine(deps Dependencies, cfg *config.Config, logger zerolog.Logger) *Engine {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Engine{
		store:       deps.Store,
		recipients:  deps.Recipients,
		settings:    deps.Settings,
		broadcaster: deps.Broadcaster,
		publisher:   publisher,
		limiter:     NewRateLimiter(deps.Store, cfg.RateLimit, logger),
		backoff:     BackoffFromConfig(cfg.Delivery),
		maxRetries:  cfg.Delivery.MaxRetries,
		sweeps:      cfg.Sweeps,
		now:         time.Now,
		sleep:       sleepContext,
		logger:      logger.With().Str("component", "delivery_engine").Logger(),
	}
}

// Notify stores one notification and delivers it. A nil notification with a
// nil error means it was not created: the recipient did not resolve, the
// request was incomplete, or the recipient is rate limited. Delivery failures
// are recorded on the row and never returned.
func (e *Engine) Notify(ctx context.Context, req Request) (*models.Notification, error) {
	logger := e.logger.With().Str("type", req.Type).Logger()

	if strings.TrimSpace(req.Type) == "" || strings.TrimSpace(req.Message) == "" {
		logger.Warn().Msg("notification rejected: type and message are required")
		return nil, nil
	}

	recipient, err := e.recipients.Resolve(ctx, req.UserID, req.EmployeeID)
	if err != nil {
		if errors.Is(err, repository.ErrRecipientNotFound) {
			logger.Warn().Str("user_id", req.UserID).Msg("notification rejected: recipient not found")
			return nil, nil
		}
		return nil, errors.Wrap(err, "resolve recipient")
	}

	if !e.limiter.Allow(ctx, recipientKey(recipient)) {
		return nil, nil
	}

	params := req.params(recipient, e.maxRetries)
	e.checkRoute(params)
	notif, err := e.store.Create(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "create notification")
	}
	e.publish(ctx, events.KeyNotificationCreated, notif)

	logger.Info().
		Int64("notification_id", notif.ID).
		Str("user_id", notif.UserID).
		Str("audience", string(notif.Audience)).
		Msg("notification created")

	if req.SkipRealtime {
		return &notif, nil
	}
	if !e.realtimeEnabled(ctx, notif.Audience) {
		logger.Debug().Int64("notification_id", notif.ID).Msg("realtime disabled, delivery skipped")
		return &notif, nil
	}

	payload := payloadFor(notif, recipientIDs(recipient))
	delivered := e.deliver(context.WithoutCancel(ctx), []models.Notification{notif}, payload)
	return &delivered[0], nil
}

// NotifyUsers stores one notification per user in a single transaction and
// delivers them with one broadcast. Users that do not resolve or are rate
// limited are skipped.
func (e *Engine) NotifyUsers(ctx context.Context, userIDs []string, req Request) ([]models.Notification, error) {
	if strings.TrimSpace(req.Type) == "" || strings.TrimSpace(req.Message) == "" {
		e.logger.Warn().Str("type", req.Type).Msg("bulk notification rejected: type and message are required")
		return nil, nil
	}

	seen := make(map[string]struct{}, len(userIDs))
	params := make([]repository.CreateNotificationParams, 0, len(userIDs))
	var recipients []string
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		recipient, err := e.recipients.Resolve(ctx, id, req.EmployeeID)
		if err != nil {
			if errors.Is(err, repository.ErrRecipientNotFound) {
				e.logger.Warn().Str("user_id", id).Msg("bulk recipient not found, skipping")
				continue
			}
			return nil, errors.Wrap(err, "resolve recipient")
		}
		if !e.limiter.Allow(ctx, recipientKey(recipient)) {
			continue
		}

		p := req.params(recipient, e.maxRetries)
		if req.BroadcastToEmployee == nil && p.Audience == models.AudienceEmployee {
			p.BroadcastTo.Employee = true
		}
		params = append(params, p)
		recipients = append(recipients, recipient.UserID)
	}
	if len(params) == 0 {
		return nil, nil
	}
	e.checkRoute(params[0])

	created, err := e.store.CreateBatch(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "create notifications")
	}
	for _, n := range created {
		e.publish(ctx, events.KeyNotificationCreated, n)
	}
	e.logger.Info().Str("type", req.Type).Int("count", len(created)).Msg("bulk notifications created")

	if req.SkipRealtime || !e.realtimeEnabled(ctx, created[0].Audience) {
		return created, nil
	}
	return e.deliver(context.WithoutCancel(ctx), created, payloadFor(created[0], recipients)), nil
}

// NotifyAdmins addresses every active admin.
func (e *Engine) NotifyAdmins(ctx context.Context, req Request) ([]models.Notification, error) {
	ids, err := e.recipients.ActiveAdminIDs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list admins")
	}
	if len(ids) == 0 {
		e.logger.Warn().Str("type", req.Type).Msg("no active admins to notify")
		return nil, nil
	}
	if req.Audience == "" {
		req.Audience = models.AudienceAdmin
	}
	return e.NotifyUsers(ctx, ids, req)
}

func (e *Engine) List(ctx context.Context, userID string, opts repository.ListOptions) ([]models.Notification, error) {
	return e.store.ListByRecipient(ctx, userID, opts)
}

func (e *Engine) MarkRead(ctx context.Context, userID string, id int64) (models.Notification, error) {
	return e.store.MarkRead(ctx, userID, id)
}

func (e *Engine) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return e.store.MarkAllRead(ctx, userID)
}

func (e *Engine) MarkClicked(ctx context.Context, userID string, id int64) (models.Notification, error) {
	return e.store.MarkClicked(ctx, userID, id)
}

func (e *Engine) MarkActionCompleted(ctx context.Context, userID string, id int64) (models.Notification, error) {
	return e.store.MarkActionCompleted(ctx, userID, id)
}

// realtimeEnabled fails open: a settings read error still attempts delivery.
func (e *Engine) realtimeEnabled(ctx context.Context, audience models.Audience) bool {
	s, err := e.settings.Get(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to read realtime settings, delivering anyway")
		return true
	}
	return s.RealtimeEnabled(audience)
}

func (e *Engine) publish(ctx context.Context, key string, n models.Notification) {
	if err := e.publisher.Publish(ctx, events.NewEvent(key, n)); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Int64("notification_id", n.ID).Msg("failed to publish event")
	}
}

// checkRoute warns about action URLs outside the known in-app routes. It
// never blocks delivery.
func (e *Engine) checkRoute(p repository.CreateNotificationParams) {
	if p.ActionURL == nil || actionurl.IsLikelyValidRoute(*p.ActionURL) {
		return
	}
	e.logger.Warn().
		Str("type", p.Type).
		Str("action_url", *p.ActionURL).
		Msg("action url does not match a known route")
}

// recipientKey is the rate limit key shared by the single and bulk paths.
func recipientKey(r models.Recipient) repository.RecipientKey {
	return repository.RecipientKey{UserID: r.UserID, EmployeeID: r.EmployeeID}
}

// recipientIDs lists the user ids whose employee sockets a notification
// addresses when it is not broadcast to every employee.
func recipientIDs(r models.Recipient) []string {
	if r.EmployeeUserID != "" {
		return []string{r.EmployeeUserID}
	}
	return []string{r.UserID}
}

func payloadFor(n models.Notification, recipients []string) relay.NotificationPayload {
	return relay.NotificationPayload{
		Notification:   n,
		BroadcastAll:   n.BroadcastTo.AllEmployees,
		IsAdminMessage: n.IsAdminMessage(),
		Recipients:     recipients,
	}
}
