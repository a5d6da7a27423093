// Package scylla implements the repository contracts on ScyllaDB with gocql.
package scylla

import (
	"context"

	"email-auth-service/internal/bucketing"
	"email-auth-service/internal/repository"
)

type Store struct {
	client   *ScyllaClient
	accounts *AccountRepository
	otps     *OTPRepository
	activity *ActivityRepository
}

func NewStore(client *ScyllaClient, buckets *bucketing.BucketingManager) *Store {
	return &Store{
		client:   client,
		accounts: NewAccountRepository(client, buckets),
		otps:     NewOTPRepository(client),
		activity: NewActivityRepository(client, buckets),
	}
}

func (s *Store) Accounts() repository.AccountRepository { return s.accounts }

func (s *Store) OTPs() repository.OTPRepository { return s.otps }

func (s *Store) Activity() repository.ActivityRepository { return s.activity }

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func (s *Store) Close() error {
	s.client.Close()
	return nil
}
