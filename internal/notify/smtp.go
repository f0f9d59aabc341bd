package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"sealdb/internal/config"
	"sealdb/internal/security"
)

// SMTPSettings configures SMTPSender
type SMTPSettings struct {
	Host         string
	Port         int
	Username     string
	Password     string
	TLSMode      string // starttls, tls or plain
	SenderEmail  string
	SupportEmail string
}

// SMTPSettingsFrom builds settings from the email config section
func SMTPSettingsFrom(cfg config.EmailConfig) SMTPSettings {
	return SMTPSettings{
		Host:         cfg.SMTP.Host,
		Port:         cfg.SMTP.Port,
		Username:     cfg.SMTP.Username,
		Password:     cfg.SMTP.Password,
		TLSMode:      cfg.SMTP.TLSMode,
		SenderEmail:  cfg.SenderEmail,
		SupportEmail: cfg.SupportEmail,
	}
}

// SMTPSettingsFromSecure maps operator-stored settings. UseSsl selects
// STARTTLS, except on port 465 which expects implicit TLS.
func SMTPSettingsFromSecure(s security.EmailSettings, supportEmail string) SMTPSettings {
	mode := "plain"
	if s.UseSsl {
		mode = "starttls"
		if s.SmtpPort == 465 {
			mode = "tls"
		}
	}
	return SMTPSettings{
		Host:         s.SmtpServer,
		Port:         s.SmtpPort,
		Username:     s.Username,
		Password:     s.Password,
		TLSMode:      mode,
		SenderEmail:  s.FromEmail,
		SupportEmail: supportEmail,
	}
}

// SMTPSender delivers mail through an SMTP relay.
type SMTPSender struct {
	cfg     SMTPSettings
	auth    smtp.Auth
	timeout time.Duration
}

// NewSMTPSender validates cfg and creates a sender
func NewSMTPSender(cfg SMTPSettings) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: Host is required", ErrInvalidConfig)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: Port must be between 1 and 65535", ErrInvalidConfig)
	}
	switch cfg.TLSMode {
	case "starttls", "tls", "plain":
	default:
		return nil, fmt.Errorf("%w: TLSMode must be starttls, tls, or plain", ErrInvalidConfig)
	}
	if !isValidEmail(cfg.SenderEmail) {
		return nil, fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	}

	s := &SMTPSender{cfg: cfg, timeout: 30 * time.Second}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s, nil
}

// SendEmail implements EmailSender
func (s *SMTPSender) SendEmail(ctx context.Context, params SendEmailParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}

	msg := s.buildMessage(params, time.Now())
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > s.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	client, err := s.dial(ctx, addr)
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	defer client.Close()

	if err := s.transact(client, params.SendTo, msg); err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	return nil
}

func (s *SMTPSender) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	tlsConfig := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}

	if s.cfg.TLSMode == "tls" {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	if s.cfg.TLSMode == "starttls" {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	return client, nil
}

func (s *SMTPSender) transact(client *smtp.Client, to string, msg []byte) error {
	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}
	if err := client.Mail(s.cfg.SenderEmail); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	// Some relays drop the connection right after DATA.
	_ = client.Quit()
	return nil
}

func (s *SMTPSender) buildMessage(params SendEmailParams, now time.Time) []byte {
	headers := map[string]string{
		"From":         s.cfg.SenderEmail,
		"To":           params.SendTo,
		"Subject":      params.Subject,
		"MIME-Version": "1.0",
		"Content-Type": `text/html; charset="UTF-8"`,
		"Date":         now.Format(time.RFC1123Z),
		"Message-ID":   fmt.Sprintf("<%s@%s>", uuid.NewString(), s.cfg.Host),
	}
	if s.cfg.SupportEmail != "" {
		headers["Reply-To"] = s.cfg.SupportEmail
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(params.BodyHTML)
	return []byte(b.String())
}

var _ EmailSender = (*SMTPSender)(nil)
