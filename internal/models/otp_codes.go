package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Purpose partitions OTP records so a code issued for one flow cannot be
// replayed in another.
type Purpose uint8

const (
	PurposeEmailVerification Purpose = iota + 1
	PurposePasswordReset
)

// String returns the stored form.
func (p Purpose) String() string {
	switch p {
	case PurposeEmailVerification:
		return "email_verification"
	case PurposePasswordReset:
		return "password_reset"
	default:
		return fmt.Sprintf("purpose(%d)", uint8(p))
	}
}

func (p Purpose) Valid() bool {
	return p == PurposeEmailVerification || p == PurposePasswordReset
}

// ParsePurpose maps the wire value onto the enum. Clients send either
// "email_verification" or the legacy "verification"; an empty value means
// email verification.
func ParsePurpose(s string) (Purpose, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "email_verification", "verification":
		return PurposeEmailVerification, nil
	case "password_reset":
		return PurposePasswordReset, nil
	default:
		return 0, fmt.Errorf("unknown otp purpose %q", s)
	}
}

type OTPRecord struct {
	ID        uuid.UUID `db:"id"`
	Email     string    `db:"email"`
	Purpose   Purpose   `db:"purpose"`
	CodeHash  string    `db:"code_hash"`
	ExpiresAt time.Time `db:"expires_at"`
	Verified  bool      `db:"verified"`
	Attempts  int       `db:"attempts"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *OTPRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
