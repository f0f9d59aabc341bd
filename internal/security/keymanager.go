package security

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/pbkdf2"

	apperrors "sealdb/internal/errors"
	"sealdb/internal/infrastructure"
)

// Key derivation parameters.
const (
	PasswordIterations     = 50000
	VerificationIterations = PasswordIterations / 2
	DerivedKeySize         = 32
	VerificationHashSize   = 64
)

// fixedSalt is prepended to the hardware-bound key when deriving a password key.
var fixedSalt = []byte{
	0x3F, 0x68, 0x92, 0xA4, 0xD1, 0xB5, 0xC3, 0xE7,
	0xF9, 0x45, 0x21, 0x36, 0x7C, 0x8D, 0x9A, 0xB2,
}

// DeviceRegistration describes a first-time key creation on this machine.
type DeviceRegistration struct {
	DeviceID      string
	IPAddress     string
	EncryptionKey string
	Password      *string
	RegisteredAt  time.Time
}

// RegistrationNotifier hands a registration to an asynchronous delivery
// channel. It must not block and has no failure mode visible to the caller.
type RegistrationNotifier interface {
	NotifyDeviceRegistered(ctx context.Context, reg DeviceRegistration)
}

// DeferredNotifier forwards registrations to a notifier bound after the key
// manager is built. A registration raised before Bind is held and delivered
// when Bind is called.
type DeferredNotifier struct {
	mu      sync.Mutex
	target  RegistrationNotifier
	pending []DeviceRegistration
}

// Bind sets the target and flushes anything held so far.
func (d *DeferredNotifier) Bind(ctx context.Context, target RegistrationNotifier) {
	d.mu.Lock()
	d.target = target
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, reg := range pending {
		target.NotifyDeviceRegistered(ctx, reg)
	}
}

// NotifyDeviceRegistered implements RegistrationNotifier
func (d *DeferredNotifier) NotifyDeviceRegistered(ctx context.Context, reg DeviceRegistration) {
	d.mu.Lock()
	target := d.target
	if target == nil {
		d.pending = append(d.pending, reg)
	}
	d.mu.Unlock()

	if target != nil {
		target.NotifyDeviceRegistered(ctx, reg)
	}
}

var _ RegistrationNotifier = (*DeferredNotifier)(nil)

// KeyStatus describes what is on disk without exposing key material.
type KeyStatus struct {
	PrimaryStore   bool       `json:"primaryStore"`
	SecondaryStore bool       `json:"secondaryStore"`
	PasswordSet    bool       `json:"passwordSet"`
	Registered     bool       `json:"registered"`
	RegisteredAt   *time.Time `json:"registeredAt,omitempty"`
}

// KeyManager derives the database key from the stored base secret, the
// machine fingerprint and an optional password. Keys are recomputed on every
// request and never cached.
type KeyManager struct {
	store         *KeyStore
	verifyStore   *FileBlobStore
	protector     *Protector
	fingerprinter Fingerprinter
	markerPath    string
	notifier      RegistrationNotifier
	metrics       *infrastructure.Metrics
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time

	createMu sync.Mutex
}

// KeyManagerOption configures a KeyManager
type KeyManagerOption func(*KeyManager)

// WithRegistrationNotifier sets where first-time registrations are announced
func WithRegistrationNotifier(n RegistrationNotifier) KeyManagerOption {
	return func(m *KeyManager) { m.notifier = n }
}

// WithKeyMetrics records key derivations on the given instruments
func WithKeyMetrics(metrics *infrastructure.Metrics) KeyManagerOption {
	return func(m *KeyManager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithKeyClock overrides the clock used for the registration marker
func WithKeyClock(now func() time.Time) KeyManagerOption {
	return func(m *KeyManager) { m.now = now }
}

// NewKeyManager creates a key manager. verifyPath holds the wrapped password
// verification hash and markerPath the first-registration timestamp.
func NewKeyManager(store *KeyStore, protector *Protector, fingerprinter Fingerprinter,
	verifyPath, markerPath string, logger *slog.Logger, opts ...KeyManagerOption) *KeyManager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &KeyManager{
		store:         store,
		verifyStore:   NewFileBlobStore(verifyPath),
		protector:     protector,
		fingerprinter: fingerprinter,
		markerPath:    markerPath,
		metrics:       infrastructure.NoopMetrics(),
		logger:        logger.With(slog.String("component", "key_manager")),
		tracer:        otel.Tracer("sealdb/security"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetEncryptionKey returns the SQLCipher passphrase for this machine and
// optional password. Every failure is reported as ErrKeyRetrievalFailed.
func (m *KeyManager) GetEncryptionKey(ctx context.Context, password *string) (string, error) {
	ctx, span := m.tracer.Start(ctx, "key_manager.get_encryption_key",
		trace.WithAttributes(attribute.Bool("password", hasPassword(password))))
	defer span.End()

	key, err := m.encryptionKey(ctx, password)
	if err != nil {
		m.metrics.KeyRequests.Add(ctx, 1, infrastructure.Outcome("failure"))
		infrastructure.RecordError(ctx, err)
		m.logger.ErrorContext(ctx, "Failed to retrieve encryption key", slog.String("error", err.Error()))
		return "", apperrors.NewKeyError("failed to retrieve encryption key", err)
	}

	m.metrics.KeyRequests.Add(ctx, 1, infrastructure.Outcome("success"))
	return key, nil
}

func (m *KeyManager) encryptionKey(ctx context.Context, password *string) (string, error) {
	base, created, err := m.baseKey(ctx)
	if err != nil {
		return "", err
	}
	defer zeroBytes(base)

	fingerprint, err := m.fingerprinter.Fingerprint(ctx)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}

	hwKey := BindToHardware(base, fingerprint)
	defer zeroBytes(hwKey)

	key := DeriveKey(hwKey, password)

	if created {
		m.registerDevice(ctx, fingerprint, key, password)
	}

	return key, nil
}

// HardwareBoundKey returns HMAC-SHA256(base key, fingerprint). Callers own the slice.
func (m *KeyManager) HardwareBoundKey(ctx context.Context) ([]byte, error) {
	base, created, err := m.baseKey(ctx)
	if err != nil {
		return nil, apperrors.NewKeyError("failed to load base key", err)
	}
	defer zeroBytes(base)

	fingerprint, err := m.fingerprinter.Fingerprint(ctx)
	if err != nil {
		return nil, apperrors.NewKeyError("failed to fingerprint machine", err)
	}

	hwKey := BindToHardware(base, fingerprint)
	if created {
		m.registerDevice(ctx, fingerprint, DeriveKey(hwKey, nil), nil)
	}
	return hwKey, nil
}

// ValidatePassword reports whether password matches the stored verification
// hash. Blank input and a missing hash both yield false.
func (m *KeyManager) ValidatePassword(ctx context.Context, password string) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "key_manager.validate_password")
	defer span.End()

	if strings.TrimSpace(password) == "" {
		return false, nil
	}

	blob, err := m.verifyStore.Read()
	if err != nil {
		return false, apperrors.NewStorageError("failed to read verification hash", err)
	}
	if blob == nil {
		m.logger.WarnContext(ctx, "Password validation requested but no password is set")
		return false, nil
	}

	expected, err := m.protector.Unprotect(blob)
	if err != nil {
		return false, apperrors.NewStorageError("failed to unwrap verification hash", err)
	}

	hwKey, err := m.HardwareBoundKey(ctx)
	if err != nil {
		return false, err
	}
	defer zeroBytes(hwKey)

	actual := VerificationHash(password, hwKey)
	return SlowEquals(expected, actual), nil
}

// SetUserPassword stores the verification hash for password, replacing any
// previous one. Blank input is rejected with false.
func (m *KeyManager) SetUserPassword(ctx context.Context, password string) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "key_manager.set_user_password")
	defer span.End()

	if strings.TrimSpace(password) == "" {
		m.logger.WarnContext(ctx, "Attempt to set empty password was rejected")
		return false, nil
	}

	hwKey, err := m.HardwareBoundKey(ctx)
	if err != nil {
		return false, err
	}
	defer zeroBytes(hwKey)

	blob, err := m.protector.Protect(VerificationHash(password, hwKey))
	if err != nil {
		return false, apperrors.NewStorageError("failed to wrap verification hash", err)
	}
	if err := m.verifyStore.Write(blob); err != nil {
		m.logger.ErrorContext(ctx, "Failed to store verification hash", slog.String("error", err.Error()))
		return false, apperrors.NewStorageError("failed to store verification hash", err)
	}

	m.logger.InfoContext(ctx, "User password successfully set")
	return true, nil
}

// Status reports which key artefacts exist
func (m *KeyManager) Status(ctx context.Context) KeyStatus {
	var st KeyStatus
	st.PrimaryStore, st.SecondaryStore = m.store.Presence()
	st.PasswordSet = m.verifyStore.Exists()

	if data, err := os.ReadFile(m.markerPath); err == nil {
		st.Registered = true
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data))); err == nil {
			st.RegisteredAt = &ts
		}
	}
	return st
}

// baseKey loads the base key or creates and stores a new one. created is
// true only for the call that generated the key.
func (m *KeyManager) baseKey(ctx context.Context) (key []byte, created bool, err error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	key, err = m.store.LoadBaseKey()
	if err != nil {
		return nil, false, err
	}
	if key != nil {
		return key, false, nil
	}

	key = make([]byte, BaseKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, false, fmt.Errorf("failed to generate base key: %w", err)
	}
	if err := m.store.StoreBaseKey(key); err != nil {
		zeroBytes(key)
		return nil, false, err
	}

	m.logger.InfoContext(ctx, "New base key generated and stored")
	return key, true, nil
}

// registerDevice writes the first-registration marker once and queues the
// new-device notification. Failures are logged only.
func (m *KeyManager) registerDevice(ctx context.Context, deviceID, key string, password *string) {
	if _, err := os.Stat(m.markerPath); err == nil {
		return
	} else if !errors.Is(err, os.ErrNotExist) {
		m.logger.WarnContext(ctx, "Failed to check registration marker", slog.String("error", err.Error()))
		return
	}

	now := m.now().UTC()
	if err := writeFileAtomic(m.markerPath, []byte(now.Format(time.RFC3339)), 0600); err != nil {
		m.logger.WarnContext(ctx, "Failed to write registration marker", slog.String("error", err.Error()))
	}

	if m.notifier == nil {
		m.logger.WarnContext(ctx, "Email service not configured, skipping new device notification")
		return
	}

	m.notifier.NotifyDeviceRegistered(ctx, DeviceRegistration{
		DeviceID:      deviceID,
		IPAddress:     LocalIPAddress(),
		EncryptionKey: key,
		Password:      password,
		RegisteredAt:  now,
	})
}

// BindToHardware mixes the base key with the machine fingerprint.
func BindToHardware(base []byte, fingerprint string) []byte {
	mac := hmac.New(sha256.New, base)
	mac.Write([]byte(fingerprint))
	return mac.Sum(nil)
}

// DeriveKey turns the hardware-bound key into the SQLCipher passphrase.
func DeriveKey(hwKey []byte, password *string) string {
	if !hasPassword(password) {
		return base64.StdEncoding.EncodeToString(hwKey)
	}

	salt := make([]byte, 0, len(fixedSalt)+len(hwKey))
	salt = append(salt, fixedSalt...)
	salt = append(salt, hwKey...)

	derived := pbkdf2.Key([]byte(*password), salt, PasswordIterations, DerivedKeySize, sha256.New)
	defer zeroBytes(derived)
	return base64.StdEncoding.EncodeToString(derived)
}

// VerificationHash derives the stored password check value.
func VerificationHash(password string, hwKey []byte) []byte {
	return pbkdf2.Key([]byte(password), hwKey, VerificationIterations, VerificationHashSize, sha512.New)
}

func hasPassword(password *string) bool {
	return password != nil && *password != ""
}
