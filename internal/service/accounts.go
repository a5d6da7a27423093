package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"email-auth-service/internal/models"
	"email-auth-service/internal/repository"
	"email-auth-service/internal/util"
)

// AccountManager is the account state layer the flows go through. It keys
// lookups by normalised email and translates store errors into error kinds.
type AccountManager struct {
	repo repository.AccountRepository
	now  func() time.Time
}

func NewAccountManager(repo repository.AccountRepository) *AccountManager {
	return &AccountManager{repo: repo, now: time.Now}
}

func (m *AccountManager) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	a, err := m.repo.FindByEmail(ctx, util.NormalizeEmail(email))
	if err != nil {
		return nil, m.translate("find account by email", err)
	}
	return a, nil
}

func (m *AccountManager) FindByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	a, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, m.translate("find account", err)
	}
	return a, nil
}

// Create stores a new account. ID, email normalisation and defaults are
// filled in here.
func (m *AccountManager) Create(ctx context.Context, account *models.Account) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	account.Email = util.NormalizeEmail(account.Email)
	account.SchemaVersion = models.AccountSchemaVersion
	if account.CreatedAt.IsZero() {
		account.CreatedAt = m.now().UTC()
	}
	if !account.HasPassword() && len(account.Identities) == 0 {
		return newError(ErrValidation, "Account needs a password or a linked provider")
	}
	if err := m.repo.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return newError(ErrConflict, "User already exists with this email")
		}
		return internalError("create account", err)
	}
	return nil
}

func (m *AccountManager) MarkVerified(ctx context.Context, id uuid.UUID) error {
	return m.translate("mark verified", m.repo.MarkVerified(ctx, id))
}

func (m *AccountManager) SetRefreshToken(ctx context.Context, id uuid.UUID, token string) error {
	return m.translate("set refresh token", m.repo.SetRefreshToken(ctx, id, &token))
}

func (m *AccountManager) ClearRefreshToken(ctx context.Context, id uuid.UUID) error {
	return m.translate("clear refresh token", m.repo.SetRefreshToken(ctx, id, nil))
}

// RotateRefreshToken swaps current for next. A concurrent rotation that got
// there first makes this one Unauthorized.
func (m *AccountManager) RotateRefreshToken(ctx context.Context, id uuid.UUID, current, next string) error {
	err := m.repo.RotateRefreshToken(ctx, id, current, next)
	if errors.Is(err, repository.ErrStaleToken) {
		return newError(ErrUnauthorized, "Invalid refresh token")
	}
	return m.translate("rotate refresh token", err)
}

// SetPassword stores the hash and clears the refresh token.
func (m *AccountManager) SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return m.translate("set password", m.repo.SetPassword(ctx, id, passwordHash))
}

func (m *AccountManager) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return m.translate("set active", m.repo.SetActive(ctx, id, active))
}

func (m *AccountManager) UpdateProfile(ctx context.Context, id uuid.UUID, update models.ProfileUpdate) error {
	return m.translate("update profile", m.repo.UpdateProfile(ctx, id, update))
}

// LinkIdentity attaches a provider identity. An identity owned by another
// account is a Conflict.
func (m *AccountManager) LinkIdentity(ctx context.Context, identity models.Identity) error {
	if identity.LinkedAt.IsZero() {
		identity.LinkedAt = m.now().UTC()
	}
	err := m.repo.LinkIdentity(ctx, identity)
	if errors.Is(err, repository.ErrConflict) {
		return newError(ErrConflict, fmt.Sprintf("This %s account is linked to another user", identity.Provider))
	}
	return m.translate("link identity", err)
}

func (m *AccountManager) UnlinkIdentity(ctx context.Context, id uuid.UUID, provider models.Provider) error {
	err := m.repo.UnlinkIdentity(ctx, id, provider)
	if errors.Is(err, repository.ErrNotFound) {
		return newError(ErrNotFound, fmt.Sprintf("%s is not linked to this account", provider))
	}
	return m.translate("unlink identity", err)
}

func (m *AccountManager) ListIdentities(ctx context.Context, id uuid.UUID) ([]models.Identity, error) {
	a, err := m.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.Identities, nil
}

// Delete removes the account with its codes, identities and activity.
func (m *AccountManager) Delete(ctx context.Context, id uuid.UUID) error {
	return m.translate("delete account", m.repo.Delete(ctx, id))
}

func (m *AccountManager) translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return wrapError(ErrNotFound, "User not found", err)
	case errors.Is(err, repository.ErrConflict):
		return wrapError(ErrConflict, "Resource already exists", err)
	default:
		return internalError(op, err)
	}
}
