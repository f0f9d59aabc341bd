package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	apperrors "sealdb/internal/errors"
)

// CodeManager is the verification state machine
type CodeManager interface {
	GenerateCode(ctx context.Context) (string, error)
	VerifyCode(ctx context.Context, code string) (bool, error)
	Reset(ctx context.Context) error
	Status(ctx context.Context) (bool, *time.Time, error)
	IsVerificationCompleted(ctx context.Context) bool
}

// CodeMailer queues a verification code email. It returns false when the
// message could not be queued.
type CodeMailer func(ctx context.Context, recipient, code string) bool

// VerificationStatusResponse keeps the field names existing clients expect.
type VerificationStatusResponse struct {
	IsCompleted bool       `json:"IsCompleted"`
	CompletedAt *time.Time `json:"Complated_At"`
}

// VerificationService gates the installation behind an emailed code.
type VerificationService interface {
	Status(ctx context.Context) (*VerificationStatusResponse, error)
	SendCode(ctx context.Context) error
	Verify(ctx context.Context, code string) error
	Reset(ctx context.Context) error
	IsVerificationCompleted(ctx context.Context) bool
}

type verificationService struct {
	manager    CodeManager
	mail       CodeMailer
	adminEmail func() string
	logger     *slog.Logger
}

// NewVerificationService creates the service. adminEmail is read on every
// send so updated settings take effect without a restart.
func NewVerificationService(manager CodeManager, mail CodeMailer, adminEmail func() string, logger *slog.Logger) VerificationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &verificationService{
		manager:    manager,
		mail:       mail,
		adminEmail: adminEmail,
		logger:     logger.With(slog.String("service", "verification")),
	}
}

func (s *verificationService) Status(ctx context.Context) (*VerificationStatusResponse, error) {
	verified, at, err := s.manager.Status(ctx)
	if err != nil {
		return nil, err
	}
	return &VerificationStatusResponse{IsCompleted: verified, CompletedAt: at}, nil
}

// SendCode generates a fresh code and queues it to the admin address.
func (s *verificationService) SendCode(ctx context.Context) error {
	if s.manager.IsVerificationCompleted(ctx) {
		return ErrAlreadyVerified
	}

	recipient := strings.TrimSpace(s.adminEmail())
	if recipient == "" {
		s.logger.WarnContext(ctx, "Verification code requested without an admin email")
		return ErrAdminEmailNotConfigured
	}

	code, err := s.manager.GenerateCode(ctx)
	if err != nil {
		return err
	}

	if !s.mail(ctx, recipient, code) {
		return apperrors.NewEmailError("failed to queue verification code", ErrNotificationQueueFull)
	}

	s.logger.InfoContext(ctx, "Verification code queued")
	return nil
}

// Verify returns ErrInvalidCodeOrExpired for a wrong or stale code.
func (s *verificationService) Verify(ctx context.Context, code string) error {
	ok, err := s.manager.VerifyCode(ctx, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCodeOrExpired
	}
	return nil
}

func (s *verificationService) Reset(ctx context.Context) error {
	return s.manager.Reset(ctx)
}

func (s *verificationService) IsVerificationCompleted(ctx context.Context) bool {
	return s.manager.IsVerificationCompleted(ctx)
}
