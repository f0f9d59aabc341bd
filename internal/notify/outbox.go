package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	apperrors "sealdb/internal/errors"
	"sealdb/internal/infrastructure"
	"sealdb/internal/security"
)

const (
	DefaultQueueSize   = 64
	DefaultWorkers     = 2
	DefaultRetryBase   = time.Second
	DefaultMaxAttempts = 5
)

// Job is one queued delivery.
type Job struct {
	ID   string
	Kind string
	Send func(ctx context.Context) error
}

// Outbox delivers jobs on background workers. Callers never block and never
// see delivery errors.
type Outbox struct {
	jobs    chan Job
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	backoff func() retry.Backoff
	metrics *infrastructure.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// OutboxOption configures an Outbox
type OutboxOption func(*Outbox)

// WithBackoff replaces the per-job retry policy
func WithBackoff(b func() retry.Backoff) OutboxOption {
	return func(o *Outbox) { o.backoff = b }
}

// WithOutboxMetrics records delivery outcomes
func WithOutboxMetrics(metrics *infrastructure.Metrics) OutboxOption {
	return func(o *Outbox) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// DefaultBackoff retries from 1s doubling, for at most DefaultMaxAttempts tries.
func DefaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(DefaultMaxAttempts-1, retry.NewExponential(DefaultRetryBase))
}

// NewOutbox starts workers goroutines reading from a queue of size entries.
func NewOutbox(size, workers int, logger *slog.Logger, opts ...OutboxOption) *Outbox {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		jobs:    make(chan Job, size),
		ctx:     ctx,
		cancel:  cancel,
		backoff: DefaultBackoff,
		metrics: infrastructure.NoopMetrics(),
		logger:  logger.With(slog.String("component", "outbox")),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.group, _ = errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		o.group.Go(func() error {
			for job := range o.jobs {
				o.deliver(job)
			}
			return nil
		})
	}
	return o
}

// Enqueue queues send under kind. It returns false when the job was dropped
// because the queue is full or closed.
func (o *Outbox) Enqueue(ctx context.Context, kind string, send func(ctx context.Context) error) bool {
	job := Job{ID: uuid.NewString(), Kind: kind, Send: send}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		o.logger.WarnContext(ctx, "Outbox closed, dropping notification",
			slog.String("kind", kind), slog.String("job_id", job.ID))
		o.metrics.Notifications.Add(ctx, 1, infrastructure.Outcome("dropped", attribute.String("kind", kind)))
		return false
	}

	select {
	case o.jobs <- job:
		o.logger.DebugContext(ctx, "Notification queued", slog.String("kind", kind), slog.String("job_id", job.ID))
		return true
	default:
		o.logger.WarnContext(ctx, "Outbox full, dropping notification",
			slog.String("kind", kind), slog.String("job_id", job.ID))
		o.metrics.Notifications.Add(ctx, 1, infrastructure.Outcome("dropped", attribute.String("kind", kind)))
		return false
	}
}

func (o *Outbox) deliver(job Job) {
	logger := o.logger.With(slog.String("kind", job.Kind), slog.String("job_id", job.ID))
	attempt := 0

	err := retry.Do(o.ctx, o.backoff(), func(ctx context.Context) error {
		attempt++
		if err := job.Send(ctx); err != nil {
			logger.DebugContext(ctx, "Notification attempt failed",
				slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return nil
	})

	if err != nil {
		appErr := apperrors.NewEmailError("notification delivery failed", err).
			WithContext("kind", job.Kind).
			WithContext("attempts", attempt)
		logger.Error("Notification delivery failed",
			slog.Int("attempts", attempt), slog.String("error", appErr.Error()))
		o.metrics.Notifications.Add(o.ctx, 1, infrastructure.Outcome("failed", attribute.String("kind", job.Kind)))
		return
	}

	logger.Info("Notification delivered", slog.Int("attempts", attempt))
	o.metrics.Notifications.Add(o.ctx, 1, infrastructure.Outcome("delivered", attribute.String("kind", job.Kind)))
}

// Close stops accepting jobs and waits for the queue to drain. When ctx
// expires first, in-flight retries are cancelled and ctx's error returned.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.jobs)
	}
	o.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- o.group.Wait() }()

	select {
	case err := <-done:
		o.cancel()
		return err
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

// RegistrationAlerts queues new-device emails through an Outbox.
type RegistrationAlerts struct {
	outbox   *Outbox
	notifier *Notifier
}

// NewRegistrationAlerts binds notifier to outbox
func NewRegistrationAlerts(outbox *Outbox, notifier *Notifier) *RegistrationAlerts {
	return &RegistrationAlerts{outbox: outbox, notifier: notifier}
}

// NotifyDeviceRegistered implements security.RegistrationNotifier
func (r *RegistrationAlerts) NotifyDeviceRegistered(ctx context.Context, reg security.DeviceRegistration) {
	r.outbox.Enqueue(ctx, TagDeviceRegistration, func(ctx context.Context) error {
		return r.notifier.SendNewDeviceRegistration(ctx, reg.DeviceID, reg.IPAddress, reg.EncryptionKey, reg.Password)
	})
}

// QueueVerificationCode queues a verification code email to recipient
func QueueVerificationCode(ctx context.Context, outbox *Outbox, notifier *Notifier, recipient, code string) bool {
	return outbox.Enqueue(ctx, TagVerificationCode, func(ctx context.Context) error {
		return notifier.SendVerificationCode(ctx, recipient, code)
	})
}

var _ security.RegistrationNotifier = (*RegistrationAlerts)(nil)
