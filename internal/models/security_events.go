package models

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventSignup           EventType = "signup"
	EventLogin            EventType = "login"
	EventLoginFailed      EventType = "login_failed"
	EventOTPIssued        EventType = "otp_issued"
	EventOTPVerified      EventType = "otp_verified"
	EventOTPFailed        EventType = "otp_failed"
	EventPasswordReset    EventType = "password_reset"
	EventPasswordChanged  EventType = "password_changed"
	EventTokenRefreshed   EventType = "token_refreshed"
	EventRefreshReuse     EventType = "refresh_token_reuse"
	EventLogout           EventType = "logout"
	EventAccountDeleted   EventType = "account_deleted"
	EventOAuthLogin       EventType = "oauth_login"
	EventProviderUnlinked EventType = "provider_unlinked"
	EventProfileUpdated   EventType = "profile_updated"
)

// SecurityEvent is the audit record fanned out to search and analytics sinks.
// Email is stored masked.
type SecurityEvent struct {
	EventID     uuid.UUID `db:"event_id" json:"event_id"`
	EventBucket int       `db:"event_bucket" json:"event_bucket"`
	AccountID   uuid.UUID `db:"account_id" json:"account_id"`
	Email       string    `db:"email" json:"email"`
	EventType   EventType `db:"event_type" json:"event_type"`
	Success     bool      `db:"success" json:"success"`
	Reason      string    `db:"reason" json:"reason,omitempty"`
	IPAddress   string    `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent   string    `db:"user_agent" json:"user_agent,omitempty"`
	EventTime   time.Time `db:"event_time" json:"event_time"`
	EventDate   string    `db:"event_date" json:"event_date"`
}
