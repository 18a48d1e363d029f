package notification

import (
	"context"

	"github.com/pkg/errors"

	"github.com/stanstork/fieldnotify/internal/events"
	"github.com/stanstork/fieldnotify/internal/models"
	"github.com/stanstork/fieldnotify/internal/relay"
)

// deliver broadcasts the payload until it succeeds or the attempts of the
// first notification run out. Every attempt outcome is written to all rows.
func (e *Engine) deliver(ctx context.Context, rows []models.Notification, payload relay.NotificationPayload) []models.Notification {
	maxAttempts := rows[0].MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	start := rows[0].DeliveryAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.backoff.Delay(attempt - 1)
			if err := e.sleep(ctx, delay); err != nil {
				e.logger.Warn().Err(err).Int64("notification_id", rows[0].ID).Msg("delivery backoff interrupted")
				break
			}
		}

		var done bool
		rows, done = e.attempt(ctx, rows, payload, start+attempt, attempt == maxAttempts)
		if done {
			return rows
		}
	}
	return rows
}

// attempt makes one broadcast and records its outcome. It reports whether
// the rows reached a terminal status.
func (e *Engine) attempt(ctx context.Context, rows []models.Notification, payload relay.NotificationPayload, attempts int, last bool) ([]models.Notification, bool) {
	at := e.now()
	sent, err := e.broadcaster.Broadcast(ctx, payload)

	update := models.DeliveryUpdate{Attempts: attempts, AttemptAt: &at}
	logger := e.logger.With().Int64("notification_id", rows[0].ID).Int("attempt", attempts).Logger()

	switch {
	case err == nil:
		update.Status = models.DeliveryStatusDelivered
		update.DeliveredAt = &at
		logger.Info().Int("sockets", sent).Int("rows", len(rows)).Msg("notification delivered")
	case last:
		msg := err.Error()
		update.Status = models.DeliveryStatusFailed
		update.FailedAt = &at
		update.ErrorMessage = &msg
		logger.Error().Err(err).Msg("notification delivery failed")
	default:
		msg := err.Error()
		update.Status = models.DeliveryStatusRetrying
		update.ErrorMessage = &msg
		logger.Warn().Err(err).Msg("notification delivery attempt failed, retrying")
	}

	out := make([]models.Notification, len(rows))
	for i, n := range rows {
		updated, werr := e.store.UpdateDelivery(ctx, n.ID, update)
		if werr != nil {
			logger.Error().Err(werr).Int64("row", n.ID).Msg("failed to record delivery outcome")
			out[i] = applyUpdate(n, update)
			continue
		}
		out[i] = updated
	}

	switch update.Status {
	case models.DeliveryStatusDelivered:
		for _, n := range out {
			e.publish(ctx, events.KeyNotificationDelivered, n)
		}
		return out, true
	case models.DeliveryStatusFailed:
		for _, n := range out {
			e.publish(ctx, events.KeyNotificationFailed, n)
		}
		return out, true
	}
	return out, false
}

func applyUpdate(n models.Notification, u models.DeliveryUpdate) models.Notification {
	n.DeliveryStatus = u.Status
	n.DeliveryAttempts = u.Attempts
	if u.AttemptAt != nil {
		n.LastAttemptAt = u.AttemptAt
	}
	if u.DeliveredAt != nil {
		n.DeliveredAt = u.DeliveredAt
	}
	if u.FailedAt != nil {
		n.FailedAt = u.FailedAt
	}
	if u.ErrorMessage != nil {
		n.ErrorMessage = u.ErrorMessage
	}
	return n
}

type RetrySummary struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// RetryFailed makes one more attempt for recent failed notifications whose
// retry budget is not spent.
func (e *Engine) RetryFailed(ctx context.Context) (RetrySummary, error) {
	since := e.now().Add(-e.sweeps.RetryWindow)
	rows, err := e.store.ListRetryable(ctx, since, e.sweeps.RetryLimit, 100)
	if err != nil {
		return RetrySummary{}, errors.Wrap(err, "list retryable notifications")
	}

	var summary RetrySummary
	for _, row := range rows {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		n, err := e.store.IncrementRetryCount(ctx, row.ID)
		if err != nil {
			return summary, errors.Wrapf(err, "increment retry count for %d", row.ID)
		}
		if !e.realtimeEnabled(ctx, n.Audience) {
			continue
		}

		summary.Attempted++
		out, _ := e.attempt(ctx, []models.Notification{n}, payloadFor(n, e.recipientsOf(ctx, n)), n.DeliveryAttempts+1, true)
		if out[0].DeliveryStatus == models.DeliveryStatusDelivered {
			summary.Delivered++
		} else {
			summary.Failed++
		}
	}

	if summary.Attempted > 0 {
		e.logger.Info().
			Int("attempted", summary.Attempted).
			Int("delivered", summary.Delivered).
			Int("failed", summary.Failed).
			Msg("retry sweep finished")
	}
	return summary, nil
}

// PurgeStale deletes terminal notifications older than the retention period.
func (e *Engine) PurgeStale(ctx context.Context) (int64, error) {
	days := e.sweeps.RetentionDays
	if days <= 0 {
		days = 30
	}
	cutoff := e.now().AddDate(0, 0, -days)
	n, err := e.store.DeleteStale(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "purge stale notifications")
	}
	if n > 0 {
		e.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("stale notifications purged")
	}
	return n, nil
}

func (e *Engine) recipientsOf(ctx context.Context, n models.Notification) []string {
	if n.EmployeeID != nil {
		if owner, err := e.recipients.EmployeeUserID(ctx, *n.EmployeeID); err == nil {
			return []string{owner}
		}
	}
	return []string{n.UserID}
}
