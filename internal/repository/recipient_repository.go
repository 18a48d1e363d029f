package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/stanstork/fieldnotify/internal/models"
)

type RecipientRepository interface {
	// Resolve finds the user a notification is stored under. A userID wins when
	// both are given; the employee reference is then kept only if it exists.
	Resolve(ctx context.Context, userID string, employeeID *int64) (models.Recipient, error)
	EmployeeUserID(ctx context.Context, employeeID int64) (string, error)
	ActiveAdminIDs(ctx context.Context) ([]string, error)
}

type recipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *sql.DB) RecipientRepository {
	return &recipientRepository{db: db}
}

func (r *recipientRepository) Resolve(ctx context.Context, userID string, employeeID *int64) (models.Recipient, error) {
	userID = strings.TrimSpace(userID)

	if userID != "" {
		var role string
		err := r.db.QueryRowContext(ctx,
			`SELECT role FROM users WHERE id = $1 AND is_active = TRUE`, userID,
		).Scan(&role)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return models.Recipient{}, ErrRecipientNotFound
			}
			return models.Recipient{}, fmt.Errorf("lookup user %s: %w", userID, err)
		}

		recipient := models.Recipient{UserID: userID, Role: models.UserRole(role)}
		if employeeID != nil {
			if owner, err := r.EmployeeUserID(ctx, *employeeID); err == nil {
				id := *employeeID
				recipient.EmployeeID = &id
				recipient.EmployeeUserID = owner
			} else if !errors.Is(err, ErrRecipientNotFound) {
				return models.Recipient{}, err
			}
		}
		return recipient, nil
	}

	if employeeID == nil {
		return models.Recipient{}, ErrRecipientNotFound
	}

	var (
		owner string
		role  string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT e.user_id, u.role
		FROM employees e
		JOIN users u ON u.id = e.user_id
		WHERE e.id = $1 AND u.is_active = TRUE
	`, *employeeID).Scan(&owner, &role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Recipient{}, ErrRecipientNotFound
		}
		return models.Recipient{}, fmt.Errorf("lookup employee %d: %w", *employeeID, err)
	}

	id := *employeeID
	return models.Recipient{
		UserID:         owner,
		EmployeeID:     &id,
		Role:           models.UserRole(role),
		EmployeeUserID: owner,
	}, nil
}

func (r *recipientRepository) EmployeeUserID(ctx context.Context, employeeID int64) (string, error) {
	var owner string
	err := r.db.QueryRowContext(ctx, `SELECT user_id FROM employees WHERE id = $1`, employeeID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrRecipientNotFound
		}
		return "", fmt.Errorf("lookup employee %d: %w", employeeID, err)
	}
	return owner, nil
}

func (r *recipientRepository) ActiveAdminIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM users WHERE role = 'admin' AND is_active = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
