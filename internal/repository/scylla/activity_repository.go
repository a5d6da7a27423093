package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"email-auth-service/internal/bucketing"
	"email-auth-service/internal/models"
	"email-auth-service/internal/repository"
)

type ActivityRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewActivityRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *ActivityRepository {
	return &ActivityRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *ActivityRepository) Append(ctx context.Context, activity *models.Activity) error {
	var exists string
	err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Statements.AccountExists,
		r.buckets.AccountBucket(activity.AccountID), activity.AccountID.String()), &exists)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to check account: %w", err)
	}

	if activity.ID == uuid.Nil {
		activity.ID = uuid.New()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}

	query := r.client.Query(ctx, r.client.Statements.InsertActivity,
		activity.AccountID.String(), activity.CreatedAt, activity.ID.String(),
		activity.Action, activity.IPAddress, activity.UserAgent)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

func (r *ActivityRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	iter := r.client.Query(ctx, r.client.Statements.ListActivity, accountID.String(), limit).Iter()

	var out []models.Activity
	var rawID string
	for {
		a := models.Activity{AccountID: accountID}
		if !iter.Scan(&rawID, &a.Action, &a.IPAddress, &a.UserAgent, &a.CreatedAt) {
			break
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			continue
		}
		a.ID = id
		out = append(out, a)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	return out, nil
}
