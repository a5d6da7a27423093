package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"email-auth-service/internal/audit"
	"email-auth-service/internal/models"
	"email-auth-service/internal/oauth"
	"email-auth-service/internal/util"
)

// OAuthLogin signs in the owner of a provider profile. A known email gets
// the identity linked and is marked verified; an unknown one gets a new
// verified account without a password.
func (s *AuthService) OAuthLogin(ctx context.Context, profile *oauth.Profile) (res *LoginResult, err error) {
	defer s.observe("oauth_login", &err)

	if profile == nil || profile.ProviderUserID == "" {
		return nil, validationError("Provider profile is incomplete")
	}
	email, verr := normalizeEmail(profile.Email)
	if verr != nil {
		return nil, verr
	}

	identity := models.Identity{Provider: profile.Provider, ProviderUserID: profile.ProviderUserID}

	acct, err := s.accounts.FindByEmail(ctx, email)
	switch {
	case err == nil:
		if !acct.IsActive {
			s.record(ctx, audit.Event{AccountID: acct.ID, Email: email, Type: models.EventLoginFailed, Reason: "inactive"})
			return nil, newError(ErrForbidden, "Account is deactivated")
		}
		identity.AccountID = acct.ID
		if err := s.accounts.LinkIdentity(ctx, identity); err != nil {
			return nil, err
		}
		if !acct.IsVerified {
			if err := s.accounts.MarkVerified(ctx, acct.ID); err != nil {
				return nil, err
			}
		}
		if profile.AvatarURL != "" && validAvatarURL(profile.AvatarURL) {
			avatar := profile.AvatarURL
			if err := s.accounts.UpdateProfile(ctx, acct.ID, models.ProfileUpdate{AvatarURL: &avatar}); err != nil {
				return nil, err
			}
		}
		if acct, err = s.accounts.FindByID(ctx, acct.ID); err != nil {
			return nil, err
		}

	case errors.Is(err, ErrNotFound):
		acct = &models.Account{
			ID:         uuid.New(),
			Email:      email,
			IsVerified: true,
			IsActive:   true,
			FirstName:  profileName(profile.FirstName),
			LastName:   profileName(profile.LastName),
		}
		if profile.AvatarURL != "" && validAvatarURL(profile.AvatarURL) {
			avatar := profile.AvatarURL
			acct.AvatarURL = &avatar
		}
		identity.AccountID = acct.ID
		acct.Identities = []models.Identity{identity}
		if err := s.accounts.Create(ctx, acct); err != nil {
			return nil, err
		}
		util.Info("Account created from provider",
			util.String("account_id", acct.ID.String()),
			util.String("provider", string(profile.Provider)))

	default:
		return nil, err
	}

	pair, err := s.issueAndStore(ctx, acct)
	if err != nil {
		return nil, err
	}

	s.record(ctx, audit.Event{AccountID: acct.ID, Email: email, Type: models.EventOAuthLogin, Success: true, Reason: string(profile.Provider)})
	return &LoginResult{Account: acct, Tokens: pair}, nil
}

// UnlinkProvider detaches a provider. The last sign-in method of an account
// cannot be removed.
func (s *AuthService) UnlinkProvider(ctx context.Context, accountID uuid.UUID, providerName string) (err error) {
	defer s.observe("unlink_provider", &err)

	provider, perr := models.ParseProvider(providerName)
	if perr != nil {
		return validationError("Unsupported provider %q", providerName)
	}

	acct, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !acct.HasProvider(provider) {
		return newError(ErrNotFound, string(provider)+" is not linked to this account")
	}
	if !acct.HasPassword() && len(acct.Identities) == 1 {
		return newError(ErrForbidden, "Set a password before removing your only sign-in method")
	}

	if err := s.accounts.UnlinkIdentity(ctx, acct.ID, provider); err != nil {
		return err
	}

	s.record(ctx, audit.Event{AccountID: acct.ID, Email: acct.Email, Type: models.EventProviderUnlinked, Success: true, Reason: string(provider)})
	return nil
}

// profileName keeps a provider supplied name only if it passes the same
// rules as a typed one.
func profileName(name string) string {
	name = strings.TrimSpace(name)
	if validateName("Name", name, true) != nil {
		return ""
	}
	return name
}
