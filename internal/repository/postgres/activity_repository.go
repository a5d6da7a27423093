package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"email-auth-service/internal/models"
	"email-auth-service/internal/repository"

	"github.com/google/uuid"
)

type ActivityRepository struct {
	db *sql.DB
}

func NewActivityRepository(db *sql.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

func (r *ActivityRepository) Append(ctx context.Context, activity *models.Activity) error {
	if activity.ID == uuid.Nil {
		activity.ID = uuid.New()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO activity_logs (id, account_id, action, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		activity.ID, activity.AccountID, activity.Action, activity.IPAddress, activity.UserAgent, activity.CreatedAt)
	if err != nil {
		if pgCode(err) == foreignKeyViolation {
			return repository.ErrNotFound
		}
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (r *ActivityRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, account_id, action, ip_address, user_agent, created_at
		FROM activity_logs
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Action, &a.IPAddress, &a.UserAgent, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
