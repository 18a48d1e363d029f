package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stanstork/fieldnotify/internal/models"
)

// SettingsRepository reads the realtime toggles. The rows are written by the
// admin settings screens, never by this service.
type SettingsRepository interface {
	Get(ctx context.Context) (models.Settings, error)
}

type settingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) SettingsRepository {
	return &settingsRepository{db: db}
}

func (r *settingsRepository) Get(ctx context.Context) (models.Settings, error) {
	var s models.Settings
	err := r.db.QueryRowContext(ctx, `
		SELECT admin_realtime_enabled, employee_realtime_enabled
		FROM settings
		WHERE id = 1
	`).Scan(&s.AdminRealtimeEnabled, &s.EmployeeRealtimeEnabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DefaultSettings(), nil
		}
		return models.Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return s, nil
}
