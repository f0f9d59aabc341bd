package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store persists the verification record.
type Store interface {
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, r Record) error
}

// FileStore keeps the record as a JSON document. The whole file is read and
// written on every call; the last writer wins.
type FileStore struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore creates a file store at path
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:   path,
		logger: logger.With(slog.String("component", "verification_store")),
	}
}

// Path returns the backing file
func (s *FileStore) Path() string { return s.path }

// Load implements Store. A missing file is created with default values.
func (s *FileStore) Load(ctx context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensure(ctx); err != nil {
		return DefaultRecord(), err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return DefaultRecord(), fmt.Errorf("failed to read verification status: %w", err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return DefaultRecord(), fmt.Errorf("failed to parse verification status: %w", err)
	}
	return r, nil
}

// Save implements Store
func (s *FileStore) Save(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(r)
}

func (s *FileStore) ensure(ctx context.Context) error {
	_, err := os.Stat(s.path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := s.write(DefaultRecord()); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Created new verification status file", slog.String("path", s.path))
	return nil
}

func (s *FileStore) write(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal verification status: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write verification status: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write verification status: %w", err)
	}
	return nil
}
