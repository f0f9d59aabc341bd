package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"sealdb/internal/security"
)

// KeyAdmin manages the optional user password on the machine key
type KeyAdmin interface {
	SetUserPassword(ctx context.Context, password string) (bool, error)
	ValidatePassword(ctx context.Context, password string) (bool, error)
	Status(ctx context.Context) security.KeyStatus
}

// DatabaseTransformer exports between encrypted and plaintext copies
type DatabaseTransformer interface {
	Decrypt(ctx context.Context, encryptedPath, plainPath, password string) error
	Encrypt(ctx context.Context, plainPath, encryptedPath, key string) error
	IntegrityCheck(ctx context.Context, path, key string) error
	CurrentKey(ctx context.Context) (string, error)
}

// DatabaseCheckResponse reports whether the live database file exists
type DatabaseCheckResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	DbPath  string `json:"dbPath"`
}

// TransformResponse describes a completed decrypt or encrypt
type TransformResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	OutputPath string `json:"outputPath"`
}

// IntegrityResponse is the result of PRAGMA integrity_check on the live file
type IntegrityResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	DbPath  string `json:"dbPath"`
}

// DatabaseService exposes the database security operations.
type DatabaseService interface {
	Check(ctx context.Context) *DatabaseCheckResponse
	Decrypt(ctx context.Context, password string) (*TransformResponse, error)
	Encrypt(ctx context.Context, sourcePath string) (*TransformResponse, error)
	Integrity(ctx context.Context) (*IntegrityResponse, error)
	SetPassword(ctx context.Context, password string) error
	CheckPassword(ctx context.Context, password string) (bool, error)
	KeyStatus(ctx context.Context) security.KeyStatus
}

type databaseService struct {
	dbPath      string
	outputPath  string
	transformer DatabaseTransformer
	keys        KeyAdmin
	logger      *slog.Logger
}

// NewDatabaseService creates the service. Decrypt and encrypt write to
// outputPath, replacing any previous result.
func NewDatabaseService(dbPath, outputPath string, transformer DatabaseTransformer, keys KeyAdmin, logger *slog.Logger) DatabaseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &databaseService{
		dbPath:      dbPath,
		outputPath:  outputPath,
		transformer: transformer,
		keys:        keys,
		logger:      logger.With(slog.String("service", "database")),
	}
}

func (s *databaseService) Check(ctx context.Context) *DatabaseCheckResponse {
	if s.dbPath == "" {
		s.logger.ErrorContext(ctx, "Database path is not configured")
		return &DatabaseCheckResponse{Success: false, Message: "Database path is empty."}
	}
	if _, err := os.Stat(s.dbPath); err != nil {
		s.logger.WarnContext(ctx, "Database file does not exist", slog.String("path", s.dbPath))
		return &DatabaseCheckResponse{Success: false, Message: "Database does not exist.", DbPath: s.dbPath}
	}
	s.logger.DebugContext(ctx, "Database file exists", slog.String("path", s.dbPath))
	return &DatabaseCheckResponse{Success: true, Message: "Database exists.", DbPath: s.dbPath}
}

func (s *databaseService) Decrypt(ctx context.Context, password string) (*TransformResponse, error) {
	s.logger.InfoContext(ctx, "Decrypting database")
	if err := s.transformer.Decrypt(ctx, s.dbPath, s.outputPath, password); err != nil {
		return nil, err
	}
	return &TransformResponse{
		Success:    true,
		Message:    fmt.Sprintf("Database successfully decrypted to %s", s.outputPath),
		OutputPath: s.outputPath,
	}, nil
}

func (s *databaseService) Encrypt(ctx context.Context, sourcePath string) (*TransformResponse, error) {
	s.logger.InfoContext(ctx, "Encrypting database")
	if err := s.transformer.Encrypt(ctx, sourcePath, s.outputPath, ""); err != nil {
		return nil, err
	}
	return &TransformResponse{
		Success:    true,
		Message:    fmt.Sprintf("Database successfully encrypted to %s", s.outputPath),
		OutputPath: s.outputPath,
	}, nil
}

func (s *databaseService) Integrity(ctx context.Context) (*IntegrityResponse, error) {
	if _, err := os.Stat(s.dbPath); errors.Is(err, os.ErrNotExist) {
		return nil, ErrDatabaseNotFound
	}
	key, err := s.transformer.CurrentKey(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.transformer.IntegrityCheck(ctx, s.dbPath, key); err != nil {
		s.logger.ErrorContext(ctx, "Integrity check failed", slog.String("error", err.Error()))
		return &IntegrityResponse{Success: false, Message: "Integrity check failed", DbPath: s.dbPath}, nil
	}
	return &IntegrityResponse{Success: true, Message: "ok", DbPath: s.dbPath}, nil
}

func (s *databaseService) SetPassword(ctx context.Context, password string) error {
	ok, err := s.keys.SetUserPassword(ctx, password)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPasswordRejected
	}
	return nil
}

func (s *databaseService) CheckPassword(ctx context.Context, password string) (bool, error) {
	return s.keys.ValidatePassword(ctx, password)
}

func (s *databaseService) KeyStatus(ctx context.Context) security.KeyStatus {
	return s.keys.Status(ctx)
}
