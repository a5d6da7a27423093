package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"email-auth-service/internal/models"
)

// Producer publishes one message. *client.KafkaProducer satisfies it.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// EmailRequest is the payload a mail worker consumes from the OTP topic.
type EmailRequest struct {
	Type        string    `json:"type"`
	Email       string    `json:"email"`
	Subject     string    `json:"subject"`
	HTML        string    `json:"html"`
	Purpose     string    `json:"purpose,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	RequestedAt time.Time `json:"requested_at"`
}

// KafkaNotifier hands rendered emails to a downstream mail worker. Messages
// are keyed by address so one recipient's emails stay ordered.
type KafkaNotifier struct {
	producer Producer
	topic    string
	now      func() time.Time
}

func NewKafkaNotifier(producer Producer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic, now: time.Now}
}

func (n *KafkaNotifier) SendOTP(ctx context.Context, email, code string, purpose models.Purpose, ttl time.Duration) error {
	msg, err := RenderOTP(email, code, purpose, ttl)
	if err != nil {
		return err
	}
	now := n.now().UTC()
	return n.publish(ctx, EmailRequest{
		Type:        "otp",
		Email:       email,
		Subject:     msg.Subject,
		HTML:        msg.HTML,
		Purpose:     purpose.String(),
		ExpiresAt:   now.Add(ttl),
		RequestedAt: now,
	})
}

func (n *KafkaNotifier) SendWelcome(ctx context.Context, email, firstName string) error {
	msg, err := RenderWelcome(email, firstName)
	if err != nil {
		return err
	}
	return n.publish(ctx, EmailRequest{
		Type:        "welcome",
		Email:       email,
		Subject:     msg.Subject,
		HTML:        msg.HTML,
		RequestedAt: n.now().UTC(),
	})
}

func (n *KafkaNotifier) publish(ctx context.Context, req EmailRequest) error {
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode email request: %w", err)
	}
	headers := map[string]string{"type": req.Type}
	if err := n.producer.ProduceMessage(ctx, n.topic, []byte(req.Email), value, headers); err != nil {
		return fmt.Errorf("publish email request: %w", err)
	}
	return nil
}
