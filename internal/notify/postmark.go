package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"

	"sealdb/internal/config"
)

// PostmarkSender delivers mail through the Postmark API.
type PostmarkSender struct {
	client       *postmark.Client
	senderEmail  string
	supportEmail string
}

// NewPostmarkSender validates cfg and creates a sender
func NewPostmarkSender(cfg config.EmailConfig) (*PostmarkSender, error) {
	if cfg.Postmark.ServerToken == "" {
		return nil, fmt.Errorf("%w: Postmark server token is required", ErrInvalidConfig)
	}
	if !isValidEmail(cfg.SenderEmail) {
		return nil, fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	}
	return &PostmarkSender{
		client:       postmark.NewClient(cfg.Postmark.ServerToken, cfg.Postmark.AccountToken),
		senderEmail:  cfg.SenderEmail,
		supportEmail: cfg.SupportEmail,
	}, nil
}

// SendEmail implements EmailSender
func (p *PostmarkSender) SendEmail(ctx context.Context, params SendEmailParams) error {
	if err := params.Validate(); err != nil {
		return err
	}

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:       p.senderEmail,
		ReplyTo:    p.supportEmail,
		To:         params.SendTo,
		Subject:    params.Subject,
		Tag:        params.Tag,
		HTMLBody:   params.BodyHTML,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(
			ErrFailedToSendEmail,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
		)
	}
	return nil
}

var _ EmailSender = (*PostmarkSender)(nil)
