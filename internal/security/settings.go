package security

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	apperrors "sealdb/internal/errors"
)

// EmailSettings is the operator-supplied SMTP configuration kept encrypted on disk.
type EmailSettings struct {
	SmtpServer string `json:"SmtpServer" validate:"required,hostname|ip"`
	SmtpPort   int    `json:"SmtpPort" validate:"required,min=1,max=65535"`
	Username   string `json:"Username"`
	Password   string `json:"Password"`
	UseSsl     bool   `json:"UseSsl"`
	FromEmail  string `json:"FromEmail" validate:"required,email"`
	AdminEmail string `json:"AdminEmail" validate:"omitempty,email"`
}

// EncryptionKeyProvider yields the current database passphrase.
type EncryptionKeyProvider interface {
	GetEncryptionKey(ctx context.Context, password *string) (string, error)
}

// SettingsStore keeps EmailSettings sealed with a key derived from the
// machine-bound database key, so the file is useless on another host.
type SettingsStore struct {
	file   *FileBlobStore
	keys   EncryptionKeyProvider
	logger *slog.Logger
	mu     sync.Mutex
}

// NewSettingsStore creates a settings store at path
func NewSettingsStore(path string, keys EncryptionKeyProvider, logger *slog.Logger) *SettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsStore{
		file:   NewFileBlobStore(path),
		keys:   keys,
		logger: logger.With(slog.String("component", "settings_store")),
	}
}

// Load returns the stored settings, or nil when none have been saved.
func (s *SettingsStore) Load(ctx context.Context) (*EmailSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := s.file.Read()
	if err != nil {
		return nil, apperrors.NewStorageError("failed to read email settings", err)
	}
	if blob == nil {
		return nil, nil
	}

	key, err := s.sealingKey(ctx)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	plain, err := openGCM(key, blob)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to decrypt email settings", err)
	}
	defer zeroBytes(plain)

	var settings EmailSettings
	if err := json.Unmarshal(plain, &settings); err != nil {
		return nil, apperrors.NewStorageError("failed to parse email settings", err)
	}
	return &settings, nil
}

// Save replaces the stored settings
func (s *SettingsStore) Save(ctx context.Context, settings EmailSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plain, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal email settings: %w", err)
	}
	defer zeroBytes(plain)

	key, err := s.sealingKey(ctx)
	if err != nil {
		return err
	}
	defer zeroBytes(key)

	blob, err := sealGCM(key, plain)
	if err != nil {
		return apperrors.NewStorageError("failed to encrypt email settings", err)
	}
	if err := s.file.Write(blob); err != nil {
		return apperrors.NewStorageError("failed to write email settings", err)
	}

	s.logger.InfoContext(ctx, "Email settings saved", slog.String("smtp_server", settings.SmtpServer))
	return nil
}

// Exists reports whether settings have been saved
func (s *SettingsStore) Exists() bool {
	return s.file.Exists()
}

func (s *SettingsStore) sealingKey(ctx context.Context) ([]byte, error) {
	derived, err := s.keys.GetEncryptionKey(ctx, nil)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(derived))
	return sum[:], nil
}
