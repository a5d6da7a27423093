package scylla

import (
	"context"
	"fmt"

	"email-auth-service/internal/util"
)

const accountColumns = `account_bucket, account_id, email, password_hash, refresh_token,
            is_verified, is_active, first_name, last_name, avatar_url, latitude, longitude,
            address_encrypted, city, schema_version, created_at, updated_at`

// schema is applied in order by EnsureSchema. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
        account_bucket int,
        account_id uuid,
        email text,
        password_hash text,
        refresh_token text,
        is_verified boolean,
        is_active boolean,
        first_name text,
        last_name text,
        avatar_url text,
        latitude double,
        longitude double,
        address_encrypted text,
        city text,
        schema_version int,
        created_at timestamp,
        updated_at timestamp,
        PRIMARY KEY ((account_bucket), account_id)
    )`,
	`CREATE TABLE IF NOT EXISTS accounts_by_email (
        email text PRIMARY KEY,
        account_id uuid,
        account_bucket int
    )`,
	`CREATE TABLE IF NOT EXISTS account_identities (
        account_id uuid,
        provider text,
        provider_user_id text,
        linked_at timestamp,
        PRIMARY KEY ((account_id), provider)
    )`,
	`CREATE TABLE IF NOT EXISTS identity_owners (
        provider text,
        provider_user_id text,
        account_id uuid,
        PRIMARY KEY ((provider, provider_user_id))
    )`,
	`CREATE TABLE IF NOT EXISTS otp_codes (
        email text,
        purpose text,
        created_at timestamp,
        id uuid,
        code_hash text,
        expires_at timestamp,
        verified boolean,
        attempts int,
        PRIMARY KEY ((email, purpose), created_at, id)
    ) WITH CLUSTERING ORDER BY (created_at DESC, id ASC)
      AND default_time_to_live = 86400`,
	`CREATE TABLE IF NOT EXISTS activity_logs (
        account_id uuid,
        created_at timestamp,
        id uuid,
        action text,
        ip_address text,
        user_agent text,
        PRIMARY KEY ((account_id), created_at, id)
    ) WITH CLUSTERING ORDER BY (created_at DESC, id ASC)`,
}

// EnsureSchema creates the tables in the session keyspace. The keyspace itself
// is provisioned outside the service.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Query(ctx, stmt).Exec(); err != nil {
			return fmt.Errorf("apply scylla schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", util.Int("tables", len(schema)))
	return nil
}
