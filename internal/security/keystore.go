package security

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// BaseKeySize is the length of the per-installation root secret.
const BaseKeySize = 32

// RegistryKeyName is the entry that holds the wrapped base key in the registry file.
const RegistryKeyName = "EncryptionKey"

// BlobStore persists one opaque blob. Read returns nil, nil when nothing is stored.
type BlobStore interface {
	Name() string
	Read() ([]byte, error)
	Write(blob []byte) error
}

// FileBlobStore keeps the blob as the whole content of a flat file.
type FileBlobStore struct {
	path string
}

// NewFileBlobStore creates a flat file store
func NewFileBlobStore(path string) *FileBlobStore {
	return &FileBlobStore{path: path}
}

// Name implements BlobStore
func (s *FileBlobStore) Name() string { return filepath.Base(s.path) }

// Read implements BlobStore
func (s *FileBlobStore) Read() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// Write implements BlobStore
func (s *FileBlobStore) Write(blob []byte) error {
	return writeFileAtomic(s.path, blob, 0600)
}

// Exists reports whether the file is present
func (s *FileBlobStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Remove deletes the file; a missing file is not an error
func (s *FileBlobStore) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RegistryStore keeps named values in a JSON key/value document, standing in
// for a per-user registry hive. Other entries in the document are preserved.
type RegistryStore struct {
	path  string
	entry string
	mu    sync.Mutex
}

// NewRegistryStore creates a store for one entry of the registry document
func NewRegistryStore(path, entry string) *RegistryStore {
	return &RegistryStore{path: path, entry: entry}
}

// Name implements BlobStore
func (s *RegistryStore) Name() string { return "registry:" + s.entry }

// Read implements BlobStore
func (s *RegistryStore) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	encoded, ok := doc[s.entry]
	if !ok || encoded == "" {
		return nil, nil
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("registry entry %s: %w", s.entry, err)
	}
	return blob, nil
}

// Write implements BlobStore
func (s *RegistryStore) Write(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		// A corrupt document is replaced rather than blocking the write.
		doc = map[string]string{}
	}
	doc[s.entry] = base64.StdEncoding.EncodeToString(blob)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	return writeFileAtomic(s.path, data, 0600)
}

func (s *RegistryStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	doc := map[string]string{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	return doc, nil
}

// KeyStore persists the base key in two independent stores, each wrapped by
// the Protector.
type KeyStore struct {
	primary   BlobStore
	secondary BlobStore
	protector *Protector
	logger    *slog.Logger
}

// NewKeyStore creates a redundant key store
func NewKeyStore(primary, secondary BlobStore, protector *Protector, logger *slog.Logger) *KeyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyStore{
		primary:   primary,
		secondary: secondary,
		protector: protector,
		logger:    logger.With(slog.String("component", "key_store")),
	}
}

// LoadBaseKey tries the primary store, then the secondary. A miss in both
// returns nil, nil. A hit in the secondary alone heals the primary.
func (ks *KeyStore) LoadBaseKey() ([]byte, error) {
	if key := ks.read(ks.primary); key != nil {
		return key, nil
	}

	key := ks.read(ks.secondary)
	if key == nil {
		return nil, nil
	}

	if err := ks.write(ks.primary, key); err != nil {
		ks.logger.Warn("Failed to restore base key to primary store",
			slog.String("store", ks.primary.Name()),
			slog.String("error", err.Error()))
	} else {
		ks.logger.Info("Restored base key to primary store", slog.String("store", ks.primary.Name()))
	}

	return key, nil
}

// StoreBaseKey writes key to both stores. It fails only when both writes fail.
func (ks *KeyStore) StoreBaseKey(key []byte) error {
	if len(key) != BaseKeySize {
		return fmt.Errorf("base key must be %d bytes, got %d", BaseKeySize, len(key))
	}

	errPrimary := ks.write(ks.primary, key)
	if errPrimary != nil {
		ks.logger.Warn("Failed to store base key",
			slog.String("store", ks.primary.Name()),
			slog.String("error", errPrimary.Error()))
	}

	errSecondary := ks.write(ks.secondary, key)
	if errSecondary != nil {
		ks.logger.Warn("Failed to store base key",
			slog.String("store", ks.secondary.Name()),
			slog.String("error", errSecondary.Error()))
	}

	if errPrimary != nil && errSecondary != nil {
		return fmt.Errorf("no key store accepted the base key: %w", errors.Join(errPrimary, errSecondary))
	}
	return nil
}

// Presence reports which stores currently hold a readable base key.
func (ks *KeyStore) Presence() (primary, secondary bool) {
	if key := ks.read(ks.primary); key != nil {
		zeroBytes(key)
		primary = true
	}
	if key := ks.read(ks.secondary); key != nil {
		zeroBytes(key)
		secondary = true
	}
	return primary, secondary
}

// read returns the unwrapped key or nil; every failure is logged and treated as a miss.
func (ks *KeyStore) read(store BlobStore) []byte {
	blob, err := store.Read()
	if err != nil {
		ks.logger.Warn("Failed to read base key", slog.String("store", store.Name()), slog.String("error", err.Error()))
		return nil
	}
	if blob == nil {
		return nil
	}

	key, err := ks.protector.Unprotect(blob)
	if err != nil {
		ks.logger.Warn("Failed to unwrap base key", slog.String("store", store.Name()), slog.String("error", err.Error()))
		return nil
	}
	if len(key) != BaseKeySize {
		ks.logger.Warn("Ignoring base key with unexpected length",
			slog.String("store", store.Name()),
			slog.Int("length", len(key)))
		zeroBytes(key)
		return nil
	}
	return key
}

func (ks *KeyStore) write(store BlobStore, key []byte) error {
	blob, err := ks.protector.Protect(key)
	if err != nil {
		return err
	}
	return store.Write(blob)
}

// writeFileAtomic writes data next to path and renames it into place
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
