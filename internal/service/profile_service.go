package service

import (
	"context"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"email-auth-service/internal/audit"
	"email-auth-service/internal/models"
	"email-auth-service/internal/util"
)

const (
	maxAddressLength = 255
	maxCityLength    = 100
	maxAvatarLength  = 2048
)

// AccountView is the public projection of an account with the address
// decrypted.
type AccountView struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	Avatar      *string   `json:"avatar"`
	IsVerified  bool      `json:"isVerified"`
	IsActive    bool      `json:"isActive"`
	Latitude    *float64  `json:"latitude"`
	Longitude   *float64  `json:"longitude"`
	Address     *string   `json:"address"`
	City        *string   `json:"city"`
	Providers   []string  `json:"providers"`
	HasPassword bool      `json:"hasPassword"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ProfileInput holds the fields a user may change. Nil leaves a field as is.
type ProfileInput struct {
	FirstName *string
	LastName  *string
	Avatar    *string
	Latitude  *float64
	Longitude *float64
	Address   *string
	City      *string
}

// View builds the public projection. An address that cannot be decrypted is
// left out and logged.
func (s *AuthService) View(ctx context.Context, acct *models.Account) *AccountView {
	v := &AccountView{
		ID:          acct.ID,
		Email:       acct.Email,
		FirstName:   acct.FirstName,
		LastName:    acct.LastName,
		Avatar:      acct.AvatarURL,
		IsVerified:  acct.IsVerified,
		IsActive:    acct.IsActive,
		Latitude:    acct.Latitude,
		Longitude:   acct.Longitude,
		City:        acct.City,
		Providers:   make([]string, 0, len(acct.Identities)),
		HasPassword: acct.HasPassword(),
		CreatedAt:   acct.CreatedAt,
		UpdatedAt:   acct.UpdatedAt,
	}
	for _, id := range acct.Identities {
		v.Providers = append(v.Providers, string(id.Provider))
	}
	if acct.AddressEncrypted != nil && *acct.AddressEncrypted != "" {
		address, err := s.encryptor.DecryptString(ctx, *acct.AddressEncrypted, addressKeyPurpose)
		if err != nil {
			util.Warn("Failed to decrypt address", util.String("account_id", acct.ID.String()), zap.Error(err))
		} else {
			v.Address = &address
		}
	}
	return v
}

func (s *AuthService) Profile(ctx context.Context, accountID uuid.UUID) (*AccountView, error) {
	acct, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.View(ctx, acct), nil
}

// UpdateProfile validates and applies in. The address is encrypted before
// it is stored.
func (s *AuthService) UpdateProfile(ctx context.Context, accountID uuid.UUID, in ProfileInput) (view *AccountView, err error) {
	defer s.observe("update_profile", &err)

	update := models.ProfileUpdate{Latitude: in.Latitude, Longitude: in.Longitude}

	if in.FirstName != nil {
		if verr := validateName("First name", *in.FirstName, false); verr != nil {
			return nil, verr
		}
		v := strings.TrimSpace(*in.FirstName)
		update.FirstName = &v
	}
	if in.LastName != nil {
		if verr := validateName("Last name", *in.LastName, false); verr != nil {
			return nil, verr
		}
		v := strings.TrimSpace(*in.LastName)
		update.LastName = &v
	}
	if in.Avatar != nil {
		v := strings.TrimSpace(*in.Avatar)
		if v != "" && !validAvatarURL(v) {
			return nil, validationError("Avatar must be an http(s) URL")
		}
		update.AvatarURL = &v
	}
	if in.Latitude != nil && (math.IsNaN(*in.Latitude) || *in.Latitude < -90 || *in.Latitude > 90) {
		return nil, validationError("Latitude must be between -90 and 90")
	}
	if in.Longitude != nil && (math.IsNaN(*in.Longitude) || *in.Longitude < -180 || *in.Longitude > 180) {
		return nil, validationError("Longitude must be between -180 and 180")
	}
	if in.City != nil {
		v := strings.TrimSpace(*in.City)
		if len(v) > maxCityLength || util.ContainsSuspicious(v) {
			return nil, validationError("City must be at most %d characters of plain text", maxCityLength)
		}
		update.City = &v
	}
	if in.Address != nil {
		v := strings.TrimSpace(*in.Address)
		if len(v) > maxAddressLength || util.ContainsSuspicious(v) {
			return nil, validationError("Address must be at most %d characters of plain text", maxAddressLength)
		}
		stored := ""
		if v != "" {
			stored, err = s.encryptor.EncryptString(ctx, v, addressKeyPurpose)
			if err != nil {
				return nil, internalError("encrypt address", err)
			}
		}
		update.AddressEncrypted = &stored
	}

	if err := s.accounts.UpdateProfile(ctx, accountID, update); err != nil {
		return nil, err
	}
	acct, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	s.record(ctx, audit.Event{AccountID: acct.ID, Email: acct.Email, Type: models.EventProfileUpdated, Success: true})
	return s.View(ctx, acct), nil
}

// ChangePassword requires the current password and ends other sessions.
func (s *AuthService) ChangePassword(ctx context.Context, accountID uuid.UUID, current, next string) (err error) {
	defer s.observe("change_password", &err)

	if current == "" {
		return validationError("Current password is required")
	}
	if verr := validatePassword(next); verr != nil {
		return verr
	}
	if current == next {
		return validationError("New password must be different from the current password")
	}

	acct, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !acct.HasPassword() {
		return newError(ErrForbidden, "This account signs in with a provider and has no password")
	}
	if err := s.checkPassword(acct, current); err != nil {
		return err
	}

	hash, err := s.passwords.HashPassword(next)
	if err != nil {
		return internalError("hash password", err)
	}
	if err := s.accounts.SetPassword(ctx, acct.ID, hash); err != nil {
		return err
	}

	s.record(ctx, audit.Event{AccountID: acct.ID, Email: acct.Email, Type: models.EventPasswordChanged, Success: true})
	return nil
}

// DeleteAccount removes the account and everything attached to it. Accounts
// with a password must confirm it.
func (s *AuthService) DeleteAccount(ctx context.Context, accountID uuid.UUID, password string) (err error) {
	defer s.observe("delete_account", &err)

	acct, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.HasPassword() {
		if password == "" {
			return validationError("Password is required")
		}
		if err := s.checkPassword(acct, password); err != nil {
			return err
		}
	}

	if err := s.accounts.Delete(ctx, acct.ID); err != nil {
		return err
	}

	s.record(ctx, audit.Event{AccountID: acct.ID, Email: acct.Email, Type: models.EventAccountDeleted, Success: true})
	util.Info("Account deleted", util.String("account_id", acct.ID.String()))
	return nil
}

func (s *AuthService) checkPassword(acct *models.Account, password string) error {
	ok, err := s.passwords.VerifyPassword(password, *acct.PasswordHash)
	if err != nil {
		return internalError("verify password", err)
	}
	if !ok {
		return newError(ErrInvalidCredentials, "Current password is incorrect")
	}
	return nil
}

func validAvatarURL(raw string) bool {
	if len(raw) > maxAvatarLength {
		return false
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
