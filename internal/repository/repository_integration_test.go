package repository_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/fieldnotify/internal/migration"
	"github.com/stanstork/fieldnotify/internal/models"
	"github.com/stanstork/fieldnotify/internal/repository"
)

// openTestDB connects to the database named by FIELDNOTIFY_TEST_DATABASE_URL,
// applies migrations and seeds one admin and one employee.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("FIELDNOTIFY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FIELDNOTIFY_TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, migration.Up(db))

	_, err = db.Exec(`TRUNCATE notifications, employees, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO users (id, email, role) VALUES
		('admin-1', 'admin@example.com', 'admin'),
		('emp-user-1', 'field@example.com', 'employee')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO employees (id, user_id, name) VALUES (7, 'emp-user-1', 'Field Worker')`)
	require.NoError(t, err)

	return db
}

func TestNotificationLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := repository.NewNotificationRepository(db)

	url := "/employee/dashboard"
	created, err := repo.Create(ctx, repository.CreateNotificationParams{
		UserID:     "emp-user-1",
		Type:       "employee_stock_updated",
		Audience:   models.AudienceEmployee,
		Message:    "Stock is low",
		ActionURL:  &url,
		Priority:   models.PriorityHigh,
		Category:   models.CategoryBusiness,
		MaxRetries: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusPending, created.DeliveryStatus)
	assert.False(t, created.Read)

	now := time.Now()
	delivered, err := repo.UpdateDelivery(ctx, created.ID, models.DeliveryUpdate{
		Status:      models.DeliveryStatusDelivered,
		Attempts:    1,
		AttemptAt:   &now,
		DeliveredAt: &now,
	})
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusDelivered, delivered.DeliveryStatus)
	assert.NotNil(t, delivered.DeliveredAt)
	assert.False(t, delivered.Read, "delivery does not imply read")

	clicked, err := repo.MarkClicked(ctx, "emp-user-1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, clicked.EngagementScore)

	completed, err := repo.MarkActionCompleted(ctx, "emp-user-1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, completed.EngagementScore)

	clickedAgain, err := repo.MarkClicked(ctx, "emp-user-1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, clickedAgain.EngagementScore)

	_, err = repo.MarkRead(ctx, "admin-1", created.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCreateRejectsMissingRecipient(t *testing.T) {
	db := openTestDB(t)
	repo := repository.NewNotificationRepository(db)

	_, err := repo.Create(context.Background(), repository.CreateNotificationParams{
		Type:     "admin_test",
		Audience: models.AudienceAdmin,
		Message:  "orphan",
		Priority: models.PriorityNormal,
		Category: models.CategorySystem,
	})
	assert.ErrorIs(t, err, repository.ErrRecipientNotFound)
}

func TestCreateBatchIsAllOrNothing(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := repository.NewNotificationRepository(db)

	params := []repository.CreateNotificationParams{
		{UserID: "admin-1", Type: "admin_report", Audience: models.AudienceAdmin, Message: "a", Priority: models.PriorityNormal, Category: models.CategoryReports, MaxRetries: 3},
		{UserID: "missing-user", Type: "admin_report", Audience: models.AudienceAdmin, Message: "b", Priority: models.PriorityNormal, Category: models.CategoryReports, MaxRetries: 3},
	}
	_, err := repo.CreateBatch(ctx, params)
	require.Error(t, err)

	list, err := repo.ListByRecipient(ctx, "admin-1", repository.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCountRecentAndMarkAllRead(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := repository.NewNotificationRepository(db)

	for i := 0; i < 3; i++ {
		_, err := repo.Create(ctx, repository.CreateNotificationParams{
			UserID: "admin-1", Type: "admin_ping", Audience: models.AudienceAdmin,
			Message: "ping", Priority: models.PriorityLow, Category: models.CategorySystem, MaxRetries: 3,
		})
		require.NoError(t, err)
	}
	_, err := db.Exec(`UPDATE notifications SET created_at = NOW() - INTERVAL '2 hours' WHERE id = 1`)
	require.NoError(t, err)

	counts, err := repo.CountRecent(ctx, repository.RecipientKey{UserID: "admin-1"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, counts.LastMinute)
	assert.Equal(t, 2, counts.LastHour)
	assert.Equal(t, 3, counts.LastDay)

	n, err := repo.MarkAllRead(ctx, "admin-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	unread, err := repo.ListByRecipient(ctx, "admin-1", repository.ListOptions{UnreadOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestRetryableAndStale(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := repository.NewNotificationRepository(db)

	n, err := repo.Create(ctx, repository.CreateNotificationParams{
		UserID: "admin-1", Type: "admin_alert", Audience: models.AudienceAdmin,
		Message: "x", Priority: models.PriorityUrgent, Category: models.CategorySecurity, MaxRetries: 3,
	})
	require.NoError(t, err)

	now := time.Now()
	msg := "relay unreachable"
	_, err = repo.UpdateDelivery(ctx, n.ID, models.DeliveryUpdate{
		Status: models.DeliveryStatusFailed, Attempts: 3, AttemptAt: &now, FailedAt: &now, ErrorMessage: &msg,
	})
	require.NoError(t, err)

	retryable, err := repo.ListRetryable(ctx, now.Add(-24*time.Hour), 3, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, msg, *retryable[0].ErrorMessage)

	bumped, err := repo.IncrementRetryCount(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, bumped.RetryCount)

	deleted, err := repo.DeleteStale(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestResolveRecipient(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := repository.NewRecipientRepository(db)

	eid := int64(7)
	r, err := repo.Resolve(ctx, "", &eid)
	require.NoError(t, err)
	assert.Equal(t, "emp-user-1", r.UserID)
	assert.Equal(t, models.RoleEmployee, r.Role)

	r, err = repo.Resolve(ctx, "admin-1", &eid)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", r.UserID)
	require.NotNil(t, r.EmployeeID)
	assert.EqualValues(t, 7, *r.EmployeeID)

	missing := int64(99)
	r, err = repo.Resolve(ctx, "admin-1", &missing)
	require.NoError(t, err)
	assert.Nil(t, r.EmployeeID)

	_, err = repo.Resolve(ctx, "", &missing)
	assert.ErrorIs(t, err, repository.ErrRecipientNotFound)
	_, err = repo.Resolve(ctx, "", nil)
	assert.ErrorIs(t, err, repository.ErrRecipientNotFound)

	settings, err := repository.NewSettingsRepository(db).Get(ctx)
	require.NoError(t, err)
	assert.True(t, settings.AdminRealtimeEnabled)
}

func TestListByRecipientClampsLimit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := repository.NewNotificationRepository(db)

	params := make([]repository.CreateNotificationParams, 110)
	for i := range params {
		params[i] = repository.CreateNotificationParams{
			UserID: "admin-1", Type: "admin_ping", Audience: models.AudienceAdmin,
			Message: "ping", Priority: models.PriorityLow, Category: models.CategorySystem, MaxRetries: 3,
		}
	}
	_, err := repo.CreateBatch(ctx, params)
	require.NoError(t, err)

	list, err := repo.ListByRecipient(ctx, "admin-1", repository.ListOptions{Limit: 150})
	require.NoError(t, err)
	assert.Len(t, list, repository.MaxListLimit)

	list, err = repo.ListByRecipient(ctx, "admin-1", repository.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, repository.DefaultListLimit)
}
