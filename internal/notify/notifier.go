package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"email-auth-service/internal/config"
	"email-auth-service/internal/models"
)

// Notifier delivers one-time codes and account emails to a user.
type Notifier interface {
	SendOTP(ctx context.Context, email, code string, purpose models.Purpose, ttl time.Duration) error
	SendWelcome(ctx context.Context, email, firstName string) error
}

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

var (
	otpTemplate = template.Must(template.New("otp").Parse(
		`<div style="font-family:Arial,sans-serif;max-width:480px;margin:0 auto">` +
			`<h2>{{.Heading}}</h2>` +
			`<p>{{.Intro}}</p>` +
			`<p style="font-size:28px;font-weight:bold;letter-spacing:6px">{{.Code}}</p>` +
			`<p>This code expires in {{.Minutes}} minutes.</p>` +
			`<p>If you did not request this, you can ignore this email.</p>` +
			`</div>`))

	welcomeTemplate = template.Must(template.New("welcome").Parse(
		`<div style="font-family:Arial,sans-serif;max-width:480px;margin:0 auto">` +
			`<h2>Welcome{{if .Name}}, {{.Name}}{{end}}!</h2>` +
			`<p>Your email address has been verified and your account is ready.</p>` +
			`</div>`))
)

// RenderOTP builds the email carrying code for purpose.
func RenderOTP(email, code string, purpose models.Purpose, ttl time.Duration) (Message, error) {
	data := struct {
		Heading string
		Intro   string
		Code    string
		Minutes int
	}{Code: code, Minutes: int(ttl.Minutes())}

	var subject string
	switch purpose {
	case models.PurposePasswordReset:
		subject = "Reset your password"
		data.Heading = "Password reset"
		data.Intro = "Use the code below to reset your password."
	case models.PurposeEmailVerification:
		subject = "Verify your email"
		data.Heading = "Email verification"
		data.Intro = "Use the code below to verify your email address."
	default:
		return Message{}, fmt.Errorf("unsupported purpose %s", purpose)
	}

	var buf bytes.Buffer
	if err := otpTemplate.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("render otp email: %w", err)
	}
	return Message{To: email, Subject: subject, HTML: buf.String()}, nil
}

func RenderWelcome(email, firstName string) (Message, error) {
	var buf bytes.Buffer
	if err := welcomeTemplate.Execute(&buf, struct{ Name string }{firstName}); err != nil {
		return Message{}, fmt.Errorf("render welcome email: %w", err)
	}
	return Message{To: email, Subject: "Welcome aboard", HTML: buf.String()}, nil
}

// New returns the notifier selected by cfg.Notifier.Channel. producer is
// only used by the kafka channel and may be nil otherwise.
func New(cfg *config.Config, producer Producer) (Notifier, error) {
	switch cfg.Notifier.Channel {
	case "smtp":
		return NewSMTPNotifier(cfg.SMTP, cfg.Notifier.Timeout), nil
	case "kafka":
		if producer == nil {
			return nil, fmt.Errorf("kafka notifier requires a producer")
		}
		return NewKafkaNotifier(producer, cfg.Kafka.OTPTopic), nil
	case "log", "":
		return NewLogNotifier(cfg.IsDevelopment()), nil
	default:
		return nil, fmt.Errorf("unknown notifier channel %q", cfg.Notifier.Channel)
	}
}
