package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"email-auth-service/internal/models"
	"email-auth-service/internal/repository"

	"github.com/google/uuid"
)

const accountColumns = `id, email, password_hash, refresh_token, is_verified, is_active,
		first_name, last_name, avatar_url, latitude, longitude, address_encrypted, city,
		schema_version, created_at, updated_at`

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	account.SchemaVersion = models.AccountSchemaVersion

	return WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
		_, err := tx.ExecContext(ctx, query,
			account.ID, account.Email, account.PasswordHash, account.RefreshToken,
			account.IsVerified, account.IsActive, account.FirstName, account.LastName,
			account.AvatarURL, account.Latitude, account.Longitude, account.AddressEncrypted,
			account.City, account.SchemaVersion, account.CreatedAt, account.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return repository.ErrConflict
			}
			return fmt.Errorf("insert account: %w", err)
		}

		for i := range account.Identities {
			id := &account.Identities[i]
			id.AccountID = account.ID
			if id.LinkedAt.IsZero() {
				id.LinkedAt = now
			}
			if err := insertIdentity(ctx, tx, *id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	return r.findOne(ctx, query, email)
}

func (r *AccountRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.findOne(ctx, query, id)
}

func (r *AccountRepository) findOne(ctx context.Context, query string, arg any) (*models.Account, error) {
	a := &models.Account{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&a.ID, &a.Email, &a.PasswordHash, &a.RefreshToken, &a.IsVerified, &a.IsActive,
		&a.FirstName, &a.LastName, &a.AvatarURL, &a.Latitude, &a.Longitude, &a.AddressEncrypted,
		&a.City, &a.SchemaVersion, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	identities, err := r.identities(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	a.Identities = identities
	return a, nil
}

func (r *AccountRepository) identities(ctx context.Context, accountID uuid.UUID) ([]models.Identity, error) {
	query := `
		SELECT provider, provider_user_id, linked_at
		FROM account_identities
		WHERE account_id = $1
		ORDER BY linked_at
	`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.Identity
	for rows.Next() {
		id := models.Identity{AccountID: accountID}
		var provider string
		if err := rows.Scan(&provider, &id.ProviderUserID, &id.LinkedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		id.Provider = models.Provider(provider)
		out = append(out, id)
	}
	return out, rows.Err()
}

// exec runs a single-row update and maps zero affected rows to notFound.
func (r *AccountRepository) exec(ctx context.Context, notFound error, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func (r *AccountRepository) MarkVerified(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, repository.ErrNotFound,
		`UPDATE accounts SET is_verified = TRUE, updated_at = NOW() WHERE id = $1`, id)
}

func (r *AccountRepository) SetRefreshToken(ctx context.Context, id uuid.UUID, token *string) error {
	return r.exec(ctx, repository.ErrNotFound,
		`UPDATE accounts SET refresh_token = $2, updated_at = NOW() WHERE id = $1`, id, token)
}

// RotateRefreshToken is a compare-and-swap on the stored token. A miss is
// reported as ErrStaleToken whether the account or the token is gone.
func (r *AccountRepository) RotateRefreshToken(ctx context.Context, id uuid.UUID, current, next string) error {
	return r.exec(ctx, repository.ErrStaleToken,
		`UPDATE accounts SET refresh_token = $3, updated_at = NOW() WHERE id = $1 AND refresh_token = $2`,
		id, current, next)
}

func (r *AccountRepository) SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return r.exec(ctx, repository.ErrNotFound,
		`UPDATE accounts SET password_hash = $2, refresh_token = NULL, updated_at = NOW() WHERE id = $1`,
		id, passwordHash)
}

func (r *AccountRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.exec(ctx, repository.ErrNotFound,
		`UPDATE accounts SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
}

// UpdateProfile keeps any column whose update field is nil.
func (r *AccountRepository) UpdateProfile(ctx context.Context, id uuid.UUID, u models.ProfileUpdate) error {
	query := `
		UPDATE accounts SET
			first_name = COALESCE($2, first_name),
			last_name = COALESCE($3, last_name),
			avatar_url = COALESCE($4, avatar_url),
			latitude = COALESCE($5, latitude),
			longitude = COALESCE($6, longitude),
			address_encrypted = COALESCE($7, address_encrypted),
			city = COALESCE($8, city),
			updated_at = NOW()
		WHERE id = $1
	`
	return r.exec(ctx, repository.ErrNotFound, query,
		id, u.FirstName, u.LastName, u.AvatarURL, u.Latitude, u.Longitude, u.AddressEncrypted, u.City)
}

func (r *AccountRepository) LinkIdentity(ctx context.Context, identity models.Identity) error {
	if identity.LinkedAt.IsZero() {
		identity.LinkedAt = time.Now().UTC()
	}
	return insertIdentity(ctx, r.db, identity)
}

func insertIdentity(ctx context.Context, db DBTX, identity models.Identity) error {
	query := `
		INSERT INTO account_identities (account_id, provider, provider_user_id, linked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, provider) DO UPDATE SET provider_user_id = EXCLUDED.provider_user_id
	`
	_, err := db.ExecContext(ctx, query,
		identity.AccountID, string(identity.Provider), identity.ProviderUserID, identity.LinkedAt)
	if err != nil {
		switch pgCode(err) {
		case uniqueViolation:
			return repository.ErrConflict
		case foreignKeyViolation:
			return repository.ErrNotFound
		}
		return fmt.Errorf("link identity: %w", err)
	}
	return nil
}

func (r *AccountRepository) UnlinkIdentity(ctx context.Context, id uuid.UUID, provider models.Provider) error {
	return r.exec(ctx, repository.ErrNotFound,
		`DELETE FROM account_identities WHERE account_id = $1 AND provider = $2`, id, string(provider))
}

// Delete removes the account's OTP records by email, then the account row.
// Identities and activity go with it through ON DELETE CASCADE.
func (r *AccountRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		var email string
		err := tx.QueryRowContext(ctx, `SELECT email FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&email)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("db error: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM otp_codes WHERE email = $1`, email); err != nil {
			return fmt.Errorf("delete otp codes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		return nil
	})
}
