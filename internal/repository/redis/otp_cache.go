package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"email-auth-service/internal/client"
	"email-auth-service/internal/models"
	"email-auth-service/internal/util"
)

const otpSendPrefix = "otp_sends:"

// OTPSendThrottle caps how many codes one (email, purpose) scope may be sent
// per window. It guards the mailbox, not the verification attempts, which
// live with the OTP record itself.
type OTPSendThrottle struct {
	client *client.RedisClient
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewOTPSendThrottle(client *client.RedisClient, limit int, window time.Duration) *OTPSendThrottle {
	return &OTPSendThrottle{client: client, limit: limit, window: window, now: time.Now}
}

func (t *OTPSendThrottle) key(email string, purpose models.Purpose) string {
	start := t.now().Truncate(t.window).Unix()
	return otpSendPrefix + purpose.String() + ":" + email + ":" + strconv.FormatInt(start, 10)
}

// Allow records one send and reports whether it is within the limit.
func (t *OTPSendThrottle) Allow(ctx context.Context, email string, purpose models.Purpose) (bool, error) {
	if t.limit <= 0 {
		return true, nil
	}

	count, err := t.client.IncrWithExpire(ctx, t.key(email, purpose), t.window)
	if err != nil {
		util.Error("Failed to increment OTP send counter",
			util.Email(email),
			zap.String("purpose", purpose.String()),
			zap.Error(err))
		return false, fmt.Errorf("failed to increment OTP send counter: %w", err)
	}

	if int(count) > t.limit {
		util.Warn("OTP send limit reached",
			util.Email(email),
			zap.String("purpose", purpose.String()),
			zap.Int64("count", count))
		return false, nil
	}
	return true, nil
}

// Reset clears the current window, used once the scope is verified.
func (t *OTPSendThrottle) Reset(ctx context.Context, email string, purpose models.Purpose) error {
	if err := t.client.Del(ctx, t.key(email, purpose)); err != nil {
		return fmt.Errorf("failed to reset OTP send counter: %w", err)
	}
	return nil
}
