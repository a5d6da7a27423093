package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccountSchemaVersion is written with every account row. Bump it together
// with a migration when the stored shape changes.
const AccountSchemaVersion = 1

type Account struct {
	ID               uuid.UUID  `db:"id"`
	Email            string     `db:"email"`
	PasswordHash     *string    `db:"password_hash"`
	RefreshToken     *string    `db:"refresh_token"`
	IsVerified       bool       `db:"is_verified"`
	IsActive         bool       `db:"is_active"`
	FirstName        string     `db:"first_name"`
	LastName         string     `db:"last_name"`
	AvatarURL        *string    `db:"avatar_url"`
	Latitude         *float64   `db:"latitude"`
	Longitude        *float64   `db:"longitude"`
	AddressEncrypted *string    `db:"address_encrypted"`
	City             *string    `db:"city"`
	SchemaVersion    int        `db:"schema_version"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	Identities       []Identity `db:"-"`
}

func (a *Account) HasPassword() bool {
	return a.PasswordHash != nil && *a.PasswordHash != ""
}

func (a *Account) HasProvider(p Provider) bool {
	for _, id := range a.Identities {
		if id.Provider == p {
			return true
		}
	}
	return false
}

// ProfileUpdate carries the optional profile fields a user may change. Nil
// fields are left untouched.
type ProfileUpdate struct {
	FirstName        *string
	LastName         *string
	AvatarURL        *string
	Latitude         *float64
	Longitude        *float64
	AddressEncrypted *string
	City             *string
}

// Provider is an external identity provider an account can be linked to.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
)

func ParseProvider(s string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderGoogle:
		return ProviderGoogle, nil
	case ProviderGitHub:
		return ProviderGitHub, nil
	default:
		return "", fmt.Errorf("unsupported provider %q", s)
	}
}

// Identity links an account to one provider.
type Identity struct {
	AccountID      uuid.UUID `db:"account_id"`
	Provider       Provider  `db:"provider"`
	ProviderUserID string    `db:"provider_user_id"`
	LinkedAt       time.Time `db:"linked_at"`
}

// Activity is a per-account history row, removed together with the account.
type Activity struct {
	ID        uuid.UUID `db:"id"`
	AccountID uuid.UUID `db:"account_id"`
	Action    string    `db:"action"`
	IPAddress string    `db:"ip_address"`
	UserAgent string    `db:"user_agent"`
	CreatedAt time.Time `db:"created_at"`
}
