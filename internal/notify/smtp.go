package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"email-auth-service/internal/config"
	"email-auth-service/internal/models"
	"email-auth-service/internal/util"
)

// SMTPNotifier sends mail over implicit TLS on port 465 and STARTTLS on
// any other port.
type SMTPNotifier struct {
	cfg     config.SMTPConfig
	timeout time.Duration
}

func NewSMTPNotifier(cfg config.SMTPConfig, timeout time.Duration) *SMTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMTPNotifier{cfg: cfg, timeout: timeout}
}

func (n *SMTPNotifier) SendOTP(ctx context.Context, email, code string, purpose models.Purpose, ttl time.Duration) error {
	msg, err := RenderOTP(email, code, purpose, ttl)
	if err != nil {
		return err
	}
	return n.Send(ctx, msg)
}

func (n *SMTPNotifier) SendWelcome(ctx context.Context, email, firstName string) error {
	msg, err := RenderWelcome(email, firstName)
	if err != nil {
		return err
	}
	return n.Send(ctx, msg)
}

func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	tlsConfig := &tls.Config{ServerName: n.cfg.Host, MinVersion: tls.VersionTLS12}

	dialer := &net.Dialer{}
	var conn net.Conn
	var err error
	if n.cfg.Port == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Quit()

	if n.cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if n.cfg.Username != "" {
		auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(n.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(BuildMIME(n.cfg.From, n.cfg.FromName, msg)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	util.Debug("Email sent", util.Email(msg.To), zap.String("subject", msg.Subject))
	return nil
}

// BuildMIME renders the headers and HTML body of msg.
func BuildMIME(from, fromName string, msg Message) []byte {
	sender := from
	if fromName != "" {
		sender = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", fromName), from)
	}
	return []byte(
		fmt.Sprintf("From: %s\r\n", sender) +
			fmt.Sprintf("To: %s\r\n", msg.To) +
			fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject)) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=\"utf-8\"\r\n" +
			"\r\n" +
			msg.HTML,
	)
}
