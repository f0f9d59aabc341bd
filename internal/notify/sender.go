package notify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidConfig     = errors.New("invalid email configuration")
	ErrInvalidParams     = errors.New("invalid email parameters")
	ErrFailedToSendEmail = errors.New("failed to send email")
	ErrNoSender          = errors.New("no email sender configured")
)

// EmailSender delivers one message.
type EmailSender interface {
	SendEmail(ctx context.Context, params SendEmailParams) error
}

// SendEmailParams describes an outgoing HTML message.
type SendEmailParams struct {
	SendTo   string
	Subject  string
	BodyHTML string
	Tag      string
}

// Validate checks the required fields
func (p SendEmailParams) Validate() error {
	var missing []string
	if !isValidEmail(p.SendTo) {
		missing = append(missing, "SendTo")
	}
	if strings.TrimSpace(p.Subject) == "" {
		missing = append(missing, "Subject")
	}
	if strings.TrimSpace(p.BodyHTML) == "" {
		missing = append(missing, "BodyHTML")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(missing, ", "))
	}
	return nil
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+(\.[a-zA-Z]{2,})?$`)

func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}
