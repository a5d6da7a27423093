package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"email-auth-service/internal/models"
	"email-auth-service/internal/util"
)

// LogNotifier writes emails to the service log. The code itself is only
// logged when revealCode is set, which the factory does in development.
type LogNotifier struct {
	revealCode bool
}

func NewLogNotifier(revealCode bool) *LogNotifier {
	return &LogNotifier{revealCode: revealCode}
}

func (n *LogNotifier) SendOTP(_ context.Context, email, code string, purpose models.Purpose, ttl time.Duration) error {
	fields := []zap.Field{
		util.Email(email),
		zap.String("purpose", purpose.String()),
		zap.Duration("ttl", ttl),
	}
	if n.revealCode {
		fields = append(fields, zap.String("code", code))
	}
	util.Info("OTP email", fields...)
	return nil
}

func (n *LogNotifier) SendWelcome(_ context.Context, email, _ string) error {
	util.Info("Welcome email", util.Email(email))
	return nil
}
