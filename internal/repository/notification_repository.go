package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stanstork/fieldnotify/internal/models"
)

var (
	ErrNotFound          = errors.New("notification not found")
	ErrRecipientNotFound = errors.New("recipient not found")
)

type NotificationRepository interface {
	Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error)
	CreateBatch(ctx context.Context, params []CreateNotificationParams) ([]models.Notification, error)
	GetByID(ctx context.Context, id int64) (models.Notification, error)
	ListByRecipient(ctx context.Context, userID string, opts ListOptions) ([]models.Notification, error)
	UpdateDelivery(ctx context.Context, id int64, update models.DeliveryUpdate) (models.Notification, error)
	MarkRead(ctx context.Context, userID string, id int64) (models.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	MarkClicked(ctx context.Context, userID string, id int64) (models.Notification, error)
	MarkActionCompleted(ctx context.Context, userID string, id int64) (models.Notification, error)
	CountRecent(ctx context.Context, key RecipientKey, now time.Time) (RecentCounts, error)
	ListRetryable(ctx context.Context, since time.Time, retryLimit, limit int) ([]models.Notification, error)
	IncrementRetryCount(ctx context.Context, id int64) (models.Notification, error)
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}

type notificationRepository struct {
	db *sql.DB
}

type CreateNotificationParams struct {
	UserID      string
	EmployeeID  *int64
	Type        string
	Audience    models.Audience
	Message     string
	ActionURL   *string
	ActionLabel *string
	Priority    models.Priority
	Category    models.Category
	BroadcastTo models.BroadcastTargets
	MaxRetries  int
}

// List page sizes. Limits above MaxListLimit are clamped, not reset.
const (
	DefaultListLimit = 25
	MaxListLimit     = 100
)

type ListOptions struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

// RecipientKey identifies whose notifications are counted for rate limiting.
type RecipientKey struct {
	UserID     string
	EmployeeID *int64
}

func (k RecipientKey) String() string {
	if k.UserID != "" {
		return "user:" + k.UserID
	}
	if k.EmployeeID != nil {
		return fmt.Sprintf("employee:%d", *k.EmployeeID)
	}
	return "unknown"
}

// RecentCounts holds notification counts for the three rate limit windows.
type RecentCounts struct {
	LastMinute int
	LastHour   int
	LastDay    int
}

func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

const notificationColumns = `id, user_id, employee_id, type, audience, message, action_url, action_label,
	priority, category, broadcast_admin, broadcast_employee, broadcast_all_employees,
	delivery_status, delivery_attempts, max_retries, retry_count,
	last_attempt_at, delivered_at, failed_at, error_message, read, clicked_at,
	action_completed_at, engagement_score, created_at, updated_at`

const insertNotification = `
	INSERT INTO notifications (user_id, employee_id, type, audience, message, action_url, action_label,
		priority, category, broadcast_admin, broadcast_employee, broadcast_all_employees,
		delivery_status, max_retries)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'pending', $13)
	RETURNING ` + notificationColumns

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *notificationRepository) Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error) {
	return createNotification(ctx, r.db, params)
}

// CreateBatch inserts every row or none of them.
func (r *notificationRepository) CreateBatch(ctx context.Context, params []CreateNotificationParams) ([]models.Notification, error) {
	if len(params) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	created := make([]models.Notification, 0, len(params))
	for _, p := range params {
		notif, err := createNotification(ctx, tx, p)
		if err != nil {
			return nil, fmt.Errorf("create notification for %s: %w", p.UserID, err)
		}
		created = append(created, notif)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return created, nil
}

func createNotification(ctx context.Context, q queryRower, params CreateNotificationParams) (models.Notification, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return models.Notification{}, ErrRecipientNotFound
	}

	row := q.QueryRowContext(ctx, insertNotification,
		params.UserID,
		nullInt64(params.EmployeeID),
		params.Type,
		params.Audience,
		params.Message,
		nullString(params.ActionURL),
		nullString(params.ActionLabel),
		params.Priority,
		params.Category,
		params.BroadcastTo.Admin,
		params.BroadcastTo.Employee,
		params.BroadcastTo.AllEmployees,
		params.MaxRetries,
	)
	return scanNotification(row)
}

func (r *notificationRepository) GetByID(ctx context.Context, id int64) (models.Notification, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	return notFoundOnNoRows(scanNotification(row))
}

func (r *notificationRepository) ListByRecipient(ctx context.Context, userID string, opts ListOptions) ([]models.Notification, error) {
	switch {
	case opts.Limit <= 0:
		opts.Limit = DefaultListLimit
	case opts.Limit > MaxListLimit:
		opts.Limit = MaxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1 AND ($2 = FALSE OR read = FALSE)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.QueryContext(ctx, query, strings.TrimSpace(userID), opts.UnreadOnly, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	return scanNotifications(rows)
}

func (r *notificationRepository) UpdateDelivery(ctx context.Context, id int64, update models.DeliveryUpdate) (models.Notification, error) {
	const query = `
		UPDATE notifications
		SET delivery_status = $2,
			delivery_attempts = $3,
			last_attempt_at = COALESCE($4, last_attempt_at),
			delivered_at = COALESCE($5, delivered_at),
			failed_at = COALESCE($6, failed_at),
			error_message = COALESCE($7, error_message),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + notificationColumns

	row := r.db.QueryRowContext(ctx, query,
		id,
		update.Status,
		update.Attempts,
		nullTime(update.AttemptAt),
		nullTime(update.DeliveredAt),
		nullTime(update.FailedAt),
		nullString(update.ErrorMessage),
	)
	return notFoundOnNoRows(scanNotification(row))
}

func (r *notificationRepository) MarkRead(ctx context.Context, userID string, id int64) (models.Notification, error) {
	const query = `
		UPDATE notifications
		SET read = TRUE, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING ` + notificationColumns
	row := r.db.QueryRowContext(ctx, query, id, strings.TrimSpace(userID))
	return notFoundOnNoRows(scanNotification(row))
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET read = TRUE, updated_at = NOW()
		WHERE user_id = $1 AND read = FALSE
	`, strings.TrimSpace(userID))
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return res.RowsAffected()
}

// MarkClicked stamps the first click and raises engagement to at least 0.5.
func (r *notificationRepository) MarkClicked(ctx context.Context, userID string, id int64) (models.Notification, error) {
	const query = `
		UPDATE notifications
		SET clicked_at = COALESCE(clicked_at, NOW()),
			read = TRUE,
			engagement_score = GREATEST(engagement_score, 0.5),
			updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING ` + notificationColumns
	row := r.db.QueryRowContext(ctx, query, id, strings.TrimSpace(userID))
	return notFoundOnNoRows(scanNotification(row))
}

func (r *notificationRepository) MarkActionCompleted(ctx context.Context, userID string, id int64) (models.Notification, error) {
	const query = `
		UPDATE notifications
		SET action_completed_at = COALESCE(action_completed_at, NOW()),
			clicked_at = COALESCE(clicked_at, NOW()),
			read = TRUE,
			engagement_score = 1.0,
			updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING ` + notificationColumns
	row := r.db.QueryRowContext(ctx, query, id, strings.TrimSpace(userID))
	return notFoundOnNoRows(scanNotification(row))
}

// CountRecent counts the recipient's notifications in three independent windows.
func (r *notificationRepository) CountRecent(ctx context.Context, key RecipientKey, now time.Time) (RecentCounts, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE created_at >= $3),
			COUNT(*) FILTER (WHERE created_at >= $4),
			COUNT(*)
		FROM notifications
		WHERE (user_id = $1 OR employee_id = $2) AND created_at >= $5
	`

	var counts RecentCounts
	err := r.db.QueryRowContext(ctx, query,
		key.UserID,
		nullInt64(key.EmployeeID),
		now.Add(-time.Minute),
		now.Add(-time.Hour),
		now.Add(-24*time.Hour),
	).Scan(&counts.LastMinute, &counts.LastHour, &counts.LastDay)
	if err != nil {
		return RecentCounts{}, fmt.Errorf("count recent notifications: %w", err)
	}
	return counts, nil
}

func (r *notificationRepository) ListRetryable(ctx context.Context, since time.Time, retryLimit, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE delivery_status = 'failed' AND retry_count < $1 AND created_at >= $2
		ORDER BY created_at ASC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, retryLimit, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable notifications: %w", err)
	}
	defer rows.Close()

	return scanNotifications(rows)
}

func (r *notificationRepository) IncrementRetryCount(ctx context.Context, id int64) (models.Notification, error) {
	const query = `
		UPDATE notifications
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + notificationColumns
	row := r.db.QueryRowContext(ctx, query, id)
	return notFoundOnNoRows(scanNotification(row))
}

// DeleteStale removes delivered or failed notifications created before cutoff.
func (r *notificationRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE delivery_status IN ('delivered', 'failed') AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale notifications: %w", err)
	}
	return res.RowsAffected()
}

func scanNotifications(rows *sql.Rows) ([]models.Notification, error) {
	var notifications []models.Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, notif)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notifications, nil
}

func scanNotification(scanner interface {
	Scan(dest ...interface{}) error
}) (models.Notification, error) {
	var (
		notif             models.Notification
		employeeID        sql.NullInt64
		actionURL         sql.NullString
		actionLabel       sql.NullString
		lastAttemptAt     sql.NullTime
		deliveredAt       sql.NullTime
		failedAt          sql.NullTime
		errorMessage      sql.NullString
		clickedAt         sql.NullTime
		actionCompletedAt sql.NullTime
	)

	if err := scanner.Scan(
		&notif.ID,
		&notif.UserID,
		&employeeID,
		&notif.Type,
		&notif.Audience,
		&notif.Message,
		&actionURL,
		&actionLabel,
		&notif.Priority,
		&notif.Category,
		&notif.BroadcastTo.Admin,
		&notif.BroadcastTo.Employee,
		&notif.BroadcastTo.AllEmployees,
		&notif.DeliveryStatus,
		&notif.DeliveryAttempts,
		&notif.MaxRetries,
		&notif.RetryCount,
		&lastAttemptAt,
		&deliveredAt,
		&failedAt,
		&errorMessage,
		&notif.Read,
		&clickedAt,
		&actionCompletedAt,
		&notif.EngagementScore,
		&notif.CreatedAt,
		&notif.UpdatedAt,
	); err != nil {
		return models.Notification{}, err
	}

	if employeeID.Valid {
		v := employeeID.Int64
		notif.EmployeeID = &v
	}
	notif.ActionURL = stringPtr(actionURL)
	notif.ActionLabel = stringPtr(actionLabel)
	notif.ErrorMessage = stringPtr(errorMessage)
	notif.LastAttemptAt = timePtr(lastAttemptAt)
	notif.DeliveredAt = timePtr(deliveredAt)
	notif.FailedAt = timePtr(failedAt)
	notif.ClickedAt = timePtr(clickedAt)
	notif.ActionCompletedAt = timePtr(actionCompletedAt)

	return notif, nil
}

func notFoundOnNoRows(notif models.Notification, err error) (models.Notification, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return models.Notification{}, ErrNotFound
	}
	return notif, err
}
