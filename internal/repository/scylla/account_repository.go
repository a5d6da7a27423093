package scylla

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"email-auth-service/internal/bucketing"
	"email-auth-service/internal/models"
	"email-auth-service/internal/repository"
	"email-auth-service/internal/util"
)

// AccountRepository keeps accounts partitioned by a murmur3 bucket of the
// account id. Email uniqueness and provider identity ownership are enforced
// with lightweight transactions on lookup tables.
type AccountRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewAccountRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *AccountRepository {
	return &AccountRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	account.SchemaVersion = models.AccountSchemaVersion

	bucket := r.buckets.AccountBucket(account.ID)
	stmts := r.client.Statements

	applied, err := r.client.Query(ctx, stmts.ClaimEmail, account.Email, account.ID.String(), bucket).
		ScanCAS(new(string), new(string), new(int))
	if err != nil {
		return fmt.Errorf("failed to claim email: %w", err)
	}
	if !applied {
		return repository.ErrConflict
	}

	insert := r.client.Query(ctx, stmts.InsertAccount,
		bucket, account.ID.String(), account.Email, account.PasswordHash, account.RefreshToken,
		account.IsVerified, account.IsActive, account.FirstName, account.LastName, account.AvatarURL,
		account.Latitude, account.Longitude, account.AddressEncrypted, account.City,
		account.SchemaVersion, account.CreatedAt, account.UpdatedAt)
	if err := r.client.ExecuteWithRetry(insert, 2); err != nil {
		if rerr := r.client.Query(ctx, stmts.ReleaseEmail, account.Email).Exec(); rerr != nil {
			util.Error("Failed to release email claim", util.Email(account.Email), zap.Error(rerr))
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	for i := range account.Identities {
		id := &account.Identities[i]
		id.AccountID = account.ID
		if id.LinkedAt.IsZero() {
			id.LinkedAt = now
		}
		if err := r.LinkIdentity(ctx, *id); err != nil {
			return err
		}
	}

	util.Info("Account created",
		zap.String("account_id", account.ID.String()),
		zap.Int("account_bucket", bucket))
	return nil
}

func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	var rawID string
	err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Statements.GetAccountByEmail, email), &rawID)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account by email: %w", err)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("corrupt account id %q: %w", rawID, err)
	}
	return r.FindByID(ctx, id)
}

func (r *AccountRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	a := &models.Account{}
	var bucket int
	var rawID string

	query := r.client.Query(ctx, r.client.Statements.GetAccountByID, r.buckets.AccountBucket(id), id.String())
	err := r.client.ScanWithRetry(query,
		&bucket, &rawID, &a.Email, &a.PasswordHash, &a.RefreshToken,
		&a.IsVerified, &a.IsActive, &a.FirstName, &a.LastName, &a.AvatarURL,
		&a.Latitude, &a.Longitude, &a.AddressEncrypted, &a.City,
		&a.SchemaVersion, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account by id: %w", err)
	}
	a.ID = id

	identities, err := r.identities(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Identities = identities
	return a, nil
}

func (r *AccountRepository) identities(ctx context.Context, id uuid.UUID) ([]models.Identity, error) {
	iter := r.client.Query(ctx, r.client.Statements.ListIdentities, id.String()).Iter()

	var out []models.Identity
	var provider, providerUserID string
	var linkedAt time.Time
	for iter.Scan(&provider, &providerUserID, &linkedAt) {
		out = append(out, models.Identity{
			AccountID:      id,
			Provider:       models.Provider(provider),
			ProviderUserID: providerUserID,
			LinkedAt:       linkedAt,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	return out, nil
}

// conditional runs an LWT update on the account row and maps a rejected
// condition to notApplied.
func (r *AccountRepository) conditional(ctx context.Context, id uuid.UUID, notApplied error, stmt string, args ...interface{}) error {
	query := r.client.Query(ctx, stmt, args...)
	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("conditional update on account %s: %w", id, err)
	}
	if !applied {
		return notApplied
	}
	return nil
}

func (r *AccountRepository) MarkVerified(ctx context.Context, id uuid.UUID) error {
	return r.conditional(ctx, id, repository.ErrNotFound, r.client.Statements.SetVerified,
		time.Now().UTC(), r.buckets.AccountBucket(id), id.String())
}

func (r *AccountRepository) SetRefreshToken(ctx context.Context, id uuid.UUID, token *string) error {
	return r.conditional(ctx, id, repository.ErrNotFound, r.client.Statements.SetRefreshToken,
		token, time.Now().UTC(), r.buckets.AccountBucket(id), id.String())
}

func (r *AccountRepository) RotateRefreshToken(ctx context.Context, id uuid.UUID, current, next string) error {
	return r.conditional(ctx, id, repository.ErrStaleToken, r.client.Statements.RotateRefreshToken,
		next, time.Now().UTC(), r.buckets.AccountBucket(id), id.String(), current)
}

func (r *AccountRepository) SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return r.conditional(ctx, id, repository.ErrNotFound, r.client.Statements.SetPassword,
		passwordHash, time.Now().UTC(), r.buckets.AccountBucket(id), id.String())
}

func (r *AccountRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.conditional(ctx, id, repository.ErrNotFound, r.client.Statements.SetActive,
		active, time.Now().UTC(), r.buckets.AccountBucket(id), id.String())
}

func (r *AccountRepository) UpdateProfile(ctx context.Context, id uuid.UUID, u models.ProfileUpdate) error {
	stmt, args := profileUpdateStatement(u)
	args = append(args, time.Now().UTC(), r.buckets.AccountBucket(id), id.String())
	return r.conditional(ctx, id, repository.ErrNotFound, stmt, args...)
}

// profileUpdateStatement builds an UPDATE that only touches the set fields.
// The caller appends updated_at, bucket and id.
func profileUpdateStatement(u models.ProfileUpdate) (string, []interface{}) {
	var sets []string
	var args []interface{}
	add := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.FirstName != nil {
		add("first_name", *u.FirstName)
	}
	if u.LastName != nil {
		add("last_name", *u.LastName)
	}
	if u.AvatarURL != nil {
		add("avatar_url", *u.AvatarURL)
	}
	if u.Latitude != nil {
		add("latitude", *u.Latitude)
	}
	if u.Longitude != nil {
		add("longitude", *u.Longitude)
	}
	if u.AddressEncrypted != nil {
		add("address_encrypted", *u.AddressEncrypted)
	}
	if u.City != nil {
		add("city", *u.City)
	}
	sets = append(sets, "updated_at = ?")

	stmt := "UPDATE accounts SET " + strings.Join(sets, ", ") +
		" WHERE account_bucket = ? AND account_id = ? IF EXISTS"
	return stmt, args
}

// LinkIdentity claims (provider, provider user id) for the account before
// recording the link. A claim held by another account is a conflict.
func (r *AccountRepository) LinkIdentity(ctx context.Context, identity models.Identity) error {
	stmts := r.client.Statements
	if identity.LinkedAt.IsZero() {
		identity.LinkedAt = time.Now().UTC()
	}

	var exists string
	err := r.client.ScanWithRetry(r.client.Query(ctx, stmts.AccountExists,
		r.buckets.AccountBucket(identity.AccountID), identity.AccountID.String()), &exists)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to check account: %w", err)
	}

	prev := map[string]interface{}{}
	applied, err := r.client.Query(ctx, stmts.ClaimIdentity,
		string(identity.Provider), identity.ProviderUserID, identity.AccountID.String()).MapScanCAS(prev)
	if err != nil {
		return fmt.Errorf("failed to claim identity: %w", err)
	}
	if !applied && !sameAccount(prev["account_id"], identity.AccountID) {
		return repository.ErrConflict
	}

	var oldProviderUserID string
	err = r.client.Query(ctx, stmts.GetIdentity, identity.AccountID.String(), string(identity.Provider)).
		Scan(&oldProviderUserID)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return fmt.Errorf("failed to read identity: %w", err)
	}

	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(stmts.UpsertIdentity,
		identity.AccountID.String(), string(identity.Provider), identity.ProviderUserID, identity.LinkedAt)
	if oldProviderUserID != "" && oldProviderUserID != identity.ProviderUserID {
		batch.Query(stmts.ReleaseIdentity, string(identity.Provider), oldProviderUserID)
	}
	if err := r.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to link identity: %w", err)
	}
	return nil
}

func (r *AccountRepository) UnlinkIdentity(ctx context.Context, id uuid.UUID, provider models.Provider) error {
	stmts := r.client.Statements

	var providerUserID string
	err := r.client.Query(ctx, stmts.GetIdentity, id.String(), string(provider)).Scan(&providerUserID)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to read identity: %w", err)
	}

	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(stmts.DeleteIdentity, id.String(), string(provider))
	batch.Query(stmts.ReleaseIdentity, string(provider), providerUserID)
	if err := r.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to unlink identity: %w", err)
	}
	return nil
}

// Delete removes every row that belongs to the account in one logged batch.
func (r *AccountRepository) Delete(ctx context.Context, id uuid.UUID) error {
	account, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	stmts := r.client.Statements

	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(stmts.DeleteAccount, r.buckets.AccountBucket(id), id.String())
	batch.Query(stmts.ReleaseEmail, account.Email)
	batch.Query(stmts.DeleteIdentities, id.String())
	for _, identity := range account.Identities {
		batch.Query(stmts.ReleaseIdentity, string(identity.Provider), identity.ProviderUserID)
	}
	batch.Query(stmts.DeleteActivity, id.String())
	for _, purpose := range []models.Purpose{models.PurposeEmailVerification, models.PurposePasswordReset} {
		batch.Query(`DELETE FROM otp_codes WHERE email = ? AND purpose = ?`, account.Email, purpose.String())
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to delete account", zap.String("account_id", id.String()), zap.Error(err))
		return fmt.Errorf("failed to delete account: %w", err)
	}

	util.Info("Account deleted", zap.String("account_id", id.String()))
	return nil
}

func sameAccount(stored interface{}, id uuid.UUID) bool {
	switch v := stored.(type) {
	case gocql.UUID:
		return v.String() == id.String()
	case string:
		return v == id.String()
	default:
		return false
	}
}
