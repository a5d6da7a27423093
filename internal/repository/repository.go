// Package repository declares the persistence contracts shared by the
// postgres, scylla and memory backends.
package repository

import (
	"context"
	"errors"
	"time"

	"email-auth-service/internal/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
	// ErrStaleToken is returned by RotateRefreshToken when the stored token no
	// longer matches the presented one.
	ErrStaleToken = errors.New("refresh token does not match stored value")
	// ErrAttemptsExhausted is returned by IncrementAttempts once the counter
	// has reached the cap.
	ErrAttemptsExhausted = errors.New("otp attempts exhausted")
)

// AccountRepository owns account rows and their linked identities. Every
// method is a single atomic operation.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	FindByEmail(ctx context.Context, email string) (*models.Account, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	MarkVerified(ctx context.Context, id uuid.UUID) error
	SetRefreshToken(ctx context.Context, id uuid.UUID, token *string) error
	// RotateRefreshToken replaces current with next only if current is still stored.
	RotateRefreshToken(ctx context.Context, id uuid.UUID, current, next string) error
	// SetPassword stores a new hash and clears the refresh token.
	SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	UpdateProfile(ctx context.Context, id uuid.UUID, update models.ProfileUpdate) error
	LinkIdentity(ctx context.Context, identity models.Identity) error
	UnlinkIdentity(ctx context.Context, id uuid.UUID, provider models.Provider) error
	// Delete removes the account, its identities, activity rows and every OTP
	// record for its email in one transaction.
	Delete(ctx context.Context, id uuid.UUID) error
}

// OTPRepository stores hashed one-time codes scoped by (email, purpose).
type OTPRepository interface {
	// Replace deletes every record for (rec.Email, rec.Purpose) and inserts rec atomically.
	Replace(ctx context.Context, rec *models.OTPRecord) error
	// FindActive returns the newest unverified record with ExpiresAt >= now.
	FindActive(ctx context.Context, email string, purpose models.Purpose, now time.Time) (*models.OTPRecord, error)
	// IncrementAttempts bumps the counter if it is below maxAttempts and returns the new value.
	IncrementAttempts(ctx context.Context, rec *models.OTPRecord, maxAttempts int) (int, error)
	// MarkVerified flips verified on an unverified record. A second caller gets ErrNotFound.
	MarkVerified(ctx context.Context, rec *models.OTPRecord) error
	DeleteAll(ctx context.Context, email string, purpose models.Purpose) error
}

type ActivityRepository interface {
	Append(ctx context.Context, activity *models.Activity) error
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.Activity, error)
}

// Store bundles the repositories of one backend with its lifecycle.
type Store interface {
	Accounts() AccountRepository
	OTPs() OTPRepository
	Activity() ActivityRepository
	HealthCheck(ctx context.Context) error
	Close() error
}
