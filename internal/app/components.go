package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/semaphore"

	"sealdb/internal/config"
	"sealdb/internal/database"
	"sealdb/internal/infrastructure"
	"sealdb/internal/notify"
	"sealdb/internal/security"
	"sealdb/internal/services"
	"sealdb/internal/verification"
)

// Components is the wired domain layer shared by the server and sealctl.
// It owns no HTTP state.
type Components struct {
	Config  *config.Config
	Paths   *config.Paths
	Logger  *slog.Logger
	Metrics *infrastructure.Metrics

	Keys      *security.KeyManager
	KeyStore  *security.KeyStore
	Settings  *security.SettingsStore
	Outbox    *notify.Outbox
	Notifier  *notify.Notifier
	Lifecycle *database.Lifecycle

	Transformer  *database.Transformer
	Verification *verification.Manager

	VerificationService services.VerificationService
	DatabaseService     services.DatabaseService

	adminEmail string
}

// ComponentOption customises component construction
type ComponentOption func(*componentOptions)

type componentOptions struct {
	fingerprinter security.Fingerprinter
	protector     *security.Protector
	sender        notify.EmailSender
}

// WithFingerprinter replaces hardware detection
func WithFingerprinter(f security.Fingerprinter) ComponentOption {
	return func(o *componentOptions) { o.fingerprinter = f }
}

// WithProtector replaces the machine-scoped key wrapper
func WithProtector(p *security.Protector) ComponentOption {
	return func(o *componentOptions) { o.protector = p }
}

// WithEmailSender bypasses provider selection
func WithEmailSender(s notify.EmailSender) ComponentOption {
	return func(o *componentOptions) { o.sender = s }
}

// NewComponents wires the key, notification, database and verification
// layers. The database is not opened; call Lifecycle.Initialize for that.
func NewComponents(ctx context.Context, cfg *config.Config, paths *config.Paths, logger *slog.Logger, metrics *infrastructure.Metrics, opts ...ComponentOption) (*Components, error) {
	o := &componentOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if metrics == nil {
		metrics = infrastructure.NoopMetrics()
	}
	if o.fingerprinter == nil {
		o.fingerprinter = security.NewHardwareFingerprinter(logger)
	}
	if o.protector == nil {
		p, err := security.NewMachineProtector()
		if err != nil {
			return nil, fmt.Errorf("failed to create key protector: %w", err)
		}
		o.protector = p
	}

	c := &Components{
		Config:  cfg,
		Paths:   paths,
		Logger:  logger,
		Metrics: metrics,
	}

	c.KeyStore = security.NewKeyStore(
		security.NewRegistryStore(paths.RegistryFile, security.RegistryKeyName),
		security.NewFileBlobStore(paths.KeyConfigFile),
		o.protector,
		logger,
	)

	// The sender depends on the saved settings, which are sealed with the
	// key, so the registration notifier is bound once the outbox exists.
	alerts := &security.DeferredNotifier{}
	c.Keys = security.NewKeyManager(c.KeyStore, o.protector, o.fingerprinter,
		paths.VerifyHashFile, paths.MarkerFile, logger,
		security.WithRegistrationNotifier(alerts),
		security.WithKeyMetrics(metrics))
	c.Settings = security.NewSettingsStore(paths.EmailSettingsFile, c.Keys, logger)

	secure, err := c.Settings.Load(ctx)
	if err != nil {
		logger.WarnContext(ctx, "Ignoring unreadable email settings", slog.String("error", err.Error()))
		secure = nil
	}

	sender := o.sender
	if sender == nil {
		sender, err = newEmailSender(cfg.Email, secure, paths.OutboxDir)
		if err != nil {
			return nil, err
		}
	}

	c.adminEmail = cfg.Email.AdminEmail
	if secure != nil && strings.TrimSpace(secure.AdminEmail) != "" {
		c.adminEmail = secure.AdminEmail
	}

	c.Outbox = notify.NewOutbox(cfg.Email.QueueSize, cfg.Email.Workers, logger,
		notify.WithOutboxMetrics(metrics))
	c.Notifier = notify.NewNotifier(sender, c.adminEmail, logger,
		notify.WithCodeTTL(cfg.Verification.CodeTTL))

	alerts.Bind(ctx, notify.NewRegistrationAlerts(c.Outbox, c.Notifier))

	lock := semaphore.NewWeighted(1)
	c.Lifecycle = database.NewLifecycle(paths.DatabaseFile, paths.TempDir, cfg.Database, c.Keys, logger,
		database.WithMetrics(metrics), database.WithLock(lock))
	c.Transformer = database.NewTransformer(c.Keys, c.Keys, lock, cfg.Database.BusyTimeout, logger)

	c.Verification = verification.NewManager(
		verification.NewFileStore(paths.VerificationStatusFile, logger), logger,
		verification.WithTTL(cfg.Verification.CodeTTL),
		verification.WithMetrics(metrics))

	c.VerificationService = services.NewVerificationService(c.Verification,
		func(ctx context.Context, recipient, code string) bool {
			return notify.QueueVerificationCode(ctx, c.Outbox, c.Notifier, recipient, code)
		},
		c.AdminEmail, logger)
	c.DatabaseService = services.NewDatabaseService(paths.DatabaseFile, paths.TransformOutputPath(),
		c.Transformer, c.Keys, logger)

	return c, nil
}

// AdminEmail is the recipient for verification codes and security alerts
func (c *Components) AdminEmail() string {
	return c.adminEmail
}

// Close drains the outbox then closes the database
func (c *Components) Close(ctx context.Context) error {
	var firstErr error
	if err := c.Outbox.Close(ctx); err != nil {
		c.Logger.ErrorContext(ctx, "Outbox did not drain", slog.String("error", err.Error()))
		firstErr = err
	}
	if err := c.Lifecycle.Close(); err != nil {
		c.Logger.ErrorContext(ctx, "Failed to close database", slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newEmailSender picks the delivery backend. Saved secure settings take
// precedence over the configured provider.
func newEmailSender(cfg config.EmailConfig, secure *security.EmailSettings, outboxDir string) (notify.EmailSender, error) {
	if secure != nil {
		s, err := notify.NewSMTPSender(notify.SMTPSettingsFromSecure(*secure, cfg.SupportEmail))
		if err != nil {
			return nil, fmt.Errorf("invalid saved email settings: %w", err)
		}
		return s, nil
	}

	switch cfg.Provider {
	case "postmark":
		return notify.NewPostmarkSender(cfg)
	case "smtp":
		return notify.NewSMTPSender(notify.SMTPSettingsFrom(cfg))
	default:
		return notify.NewDevSender(outboxDir), nil
	}
}
