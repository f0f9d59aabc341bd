package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"sealdb/internal/verification"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const (
	SubjectDeviceRegistration = "Security Alert: New Device Registration"
	SubjectVerificationCode   = "Application Verification Code"

	TagDeviceRegistration = "device-registration"
	TagVerificationCode   = "verification-code"
)

type registrationData struct {
	DeviceID          string
	IPAddress         string
	Time              string
	PasswordProtected bool
	EncryptionKey     string
}

type codeData struct {
	Code     string
	ValidFor string
}

// Notifier renders operator messages and sends them synchronously.
type Notifier struct {
	sender     EmailSender
	adminEmail string
	codeTTL    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NotifierOption configures a Notifier
type NotifierOption func(*Notifier)

// WithNotifierClock overrides time.Now
func WithNotifierClock(now func() time.Time) NotifierOption {
	return func(n *Notifier) { n.now = now }
}

// WithCodeTTL sets the lifetime quoted in verification emails
func WithCodeTTL(ttl time.Duration) NotifierOption {
	return func(n *Notifier) { n.codeTTL = ttl }
}

// NewNotifier creates a notifier. adminEmail receives security alerts.
func NewNotifier(sender EmailSender, adminEmail string, logger *slog.Logger, opts ...NotifierOption) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		sender:     sender,
		adminEmail: adminEmail,
		codeTTL:    verification.DefaultCodeTTL,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "notifier")),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// AdminEmail returns the security alert recipient
func (n *Notifier) AdminEmail() string {
	return n.adminEmail
}

// SendNewDeviceRegistration mails the admin that a key was created on a new
// machine. The message includes the key so it can be recovered later.
func (n *Notifier) SendNewDeviceRegistration(ctx context.Context, deviceID, ip, key string, password *string) error {
	if n.sender == nil {
		return ErrNoSender
	}
	body, err := render("registration.html", registrationData{
		DeviceID:          deviceID,
		IPAddress:         ip,
		Time:              n.now().UTC().Format("2006-01-02 15:04:05"),
		PasswordProtected: password != nil && *password != "",
		EncryptionKey:     key,
	})
	if err != nil {
		return err
	}

	err = n.sender.SendEmail(ctx, SendEmailParams{
		SendTo:   n.adminEmail,
		Subject:  SubjectDeviceRegistration,
		BodyHTML: body,
		Tag:      TagDeviceRegistration,
	})
	if err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "New device registration email sent", slog.String("device_id", deviceID))
	return nil
}

// SendVerificationCode mails code to recipient
func (n *Notifier) SendVerificationCode(ctx context.Context, recipient, code string) error {
	if n.sender == nil {
		return ErrNoSender
	}
	body, err := render("verification_code.html", codeData{
		Code:     code,
		ValidFor: humanDuration(n.codeTTL),
	})
	if err != nil {
		return err
	}

	err = n.sender.SendEmail(ctx, SendEmailParams{
		SendTo:   recipient,
		Subject:  SubjectVerificationCode,
		BodyHTML: body,
		Tag:      TagVerificationCode,
	})
	if err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "Verification code email sent")
	return nil
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.String(), nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		if d == time.Hour {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", d/time.Hour)
	case d >= time.Minute:
		return fmt.Sprintf("%d minutes", d/time.Minute)
	default:
		return d.String()
	}
}
