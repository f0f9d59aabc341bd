package verification

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "sealdb/internal/errors"
	"sealdb/internal/infrastructure"
)

const (
	// CodeLength is the number of digits in a verification code
	CodeLength = 6
	// DefaultCodeTTL is how long a generated code stays valid
	DefaultCodeTTL = 30 * time.Minute
)

// Manager drives the verification state machine over a Store.
type Manager struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	metrics *infrastructure.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTTL sets the code lifetime
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMetrics records verification attempts
func WithMetrics(metrics *infrastructure.Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// NewManager creates a verification manager
func NewManager(store Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:   store,
		ttl:     DefaultCodeTTL,
		now:     time.Now,
		metrics: infrastructure.NoopMetrics(),
		logger:  logger.With(slog.String("component", "verification")),
		tracer:  otel.Tracer("sealdb/verification"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateCode creates a new code, replacing any pending one, and returns it
// in clear. Only the hash is stored.
func (m *Manager) GenerateCode(ctx context.Context) (string, error) {
	ctx, span := m.tracer.Start(ctx, "verification.generate_code")
	defer span.End()

	code, err := randomDigits(CodeLength)
	if err != nil {
		return "", apperrors.NewVerificationError("failed to generate verification code", err)
	}

	expires := m.now().UTC().Add(m.ttl)
	record := Record{
		CodeHash:   HashCode(code),
		ExpiresAt:  expires,
		IsVerified: false,
	}
	if err := m.store.Save(ctx, record); err != nil {
		m.logger.ErrorContext(ctx, "Failed to store verification code", slog.String("error", err.Error()))
		return "", apperrors.NewVerificationError("failed to store verification code", err)
	}

	m.logger.InfoContext(ctx, "Verification code generated", slog.Time("valid_until", expires))
	return code, nil
}

// VerifyCode checks code against the pending hash. An already verified
// installation always verifies; an expired code never does.
func (m *Manager) VerifyCode(ctx context.Context, code string) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "verification.verify_code")
	defer span.End()

	record, err := m.store.Load(ctx)
	if err != nil {
		m.metrics.VerificationAttempts.Add(ctx, 1, infrastructure.Outcome("error"))
		return false, apperrors.NewVerificationError("failed to load verification status", err)
	}

	if record.IsVerified {
		m.metrics.VerificationAttempts.Add(ctx, 1, infrastructure.Outcome("already_verified"))
		return true, nil
	}

	now := m.now().UTC()
	if record.Expired(now) {
		m.logger.WarnContext(ctx, "Verification rejected", slog.String("reason", apperrors.ErrVerificationExpired.Error()))
		m.metrics.VerificationAttempts.Add(ctx, 1, infrastructure.Outcome("expired"))
		return false, nil
	}

	hash := HashCode(strings.TrimSpace(code))
	if hash == nil || record.CodeHash == nil || *hash != *record.CodeHash {
		m.logger.WarnContext(ctx, "Verification rejected", slog.String("reason", apperrors.ErrVerificationInvalidCode.Error()))
		m.metrics.VerificationAttempts.Add(ctx, 1, infrastructure.Outcome("invalid"))
		return false, nil
	}

	record.IsVerified = true
	record.VerifiedAt = &now
	if err := m.store.Save(ctx, record); err != nil {
		m.metrics.VerificationAttempts.Add(ctx, 1, infrastructure.Outcome("error"))
		return false, apperrors.NewVerificationError("failed to store verification status", err)
	}

	m.metrics.VerificationAttempts.Add(ctx, 1, infrastructure.Outcome("success"))
	m.logger.InfoContext(ctx, "Application verification successful")
	return true, nil
}

// Reset clears the record so a new verification is required
func (m *Manager) Reset(ctx context.Context) error {
	if err := m.store.Save(ctx, DefaultRecord()); err != nil {
		return apperrors.NewVerificationError("failed to reset verification status", err)
	}
	m.logger.InfoContext(ctx, "Verification status reset")
	return nil
}

// Status returns whether the installation is verified and when.
func (m *Manager) Status(ctx context.Context) (bool, *time.Time, error) {
	record, err := m.store.Load(ctx)
	if err != nil {
		return false, nil, apperrors.NewVerificationError("failed to load verification status", err)
	}
	return record.IsVerified, record.VerifiedAt, nil
}

// IsVerificationCompleted is the gate check. Load failures count as not verified.
func (m *Manager) IsVerificationCompleted(ctx context.Context) bool {
	record, err := m.store.Load(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to check verification status", slog.String("error", err.Error()))
		return false
	}
	return record.IsVerified
}

func randomDigits(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%d", d.Int64())
	}
	return b.String(), nil
}
