package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	apperrors "sealdb/internal/errors"
)

// PasswordValidator checks the user password against the stored hash.
type PasswordValidator interface {
	ValidatePassword(ctx context.Context, password string) (bool, error)
}

// Transformer exports databases between encrypted and plaintext form with
// sqlcipher_export. Operations are serialized by a process-wide lock.
type Transformer struct {
	keys        KeyProvider
	passwords   PasswordValidator
	lock        *semaphore.Weighted
	busyTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewTransformer creates a transformer. lock should be shared with the
// Lifecycle so transforms never overlap a migration.
func NewTransformer(keys KeyProvider, passwords PasswordValidator, lock *semaphore.Weighted, busyTimeout time.Duration, logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	if lock == nil {
		lock = semaphore.NewWeighted(1)
	}
	return &Transformer{
		keys:        keys,
		passwords:   passwords,
		lock:        lock,
		busyTimeout: busyTimeout,
		logger:      logger.With(slog.String("component", "database_transformer")),
		tracer:      otel.Tracer("sealdb/database"),
	}
}

// Decrypt writes a plaintext copy of encryptedPath to plainPath after
// checking password.
func (t *Transformer) Decrypt(ctx context.Context, encryptedPath, plainPath, password string) error {
	ctx, span := t.tracer.Start(ctx, "database.decrypt")
	defer span.End()

	if err := checkPaths(encryptedPath, plainPath); err != nil {
		return err
	}
	if err := t.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.lock.Release(1)

	ok, err := t.passwords.ValidatePassword(ctx, password)
	if err != nil {
		return err
	}
	if !ok {
		t.logger.WarnContext(ctx, "Decrypt rejected: invalid password")
		return apperrors.ErrInvalidPassword
	}

	key, err := t.keys.GetEncryptionKey(ctx, nil)
	if err != nil {
		return err
	}

	if err := checkKey(ctx, encryptedPath, key, t.busyTimeout, t.logger); err != nil {
		return transformError("invalid encryption key", err)
	}

	if err := t.export(ctx, encryptedPath, key, plainPath, "", "plaintext"); err != nil {
		return err
	}

	if err := t.integrity(ctx, plainPath, ""); err != nil {
		removeDatabaseFiles(plainPath)
		return transformError("decrypted database failed integrity check", err)
	}

	t.logger.InfoContext(ctx, "Database decrypted", slog.String("output", plainPath))
	return nil
}

// Encrypt writes an encrypted copy of plainPath to encryptedPath. An empty
// key uses the current machine key.
func (t *Transformer) Encrypt(ctx context.Context, plainPath, encryptedPath, key string) error {
	ctx, span := t.tracer.Start(ctx, "database.encrypt")
	defer span.End()

	if err := checkPaths(plainPath, encryptedPath); err != nil {
		return err
	}
	if err := t.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.lock.Release(1)

	if key == "" {
		k, err := t.keys.GetEncryptionKey(ctx, nil)
		if err != nil {
			return err
		}
		key = k
	}

	if err := t.integrity(ctx, plainPath, ""); err != nil {
		return transformError("source database failed integrity check", err)
	}

	if err := t.export(ctx, plainPath, "", encryptedPath, key, "encrypted"); err != nil {
		return err
	}

	if err := checkKey(ctx, encryptedPath, key, t.busyTimeout, t.logger); err != nil {
		removeDatabaseFiles(encryptedPath)
		return transformError("encryption verification failed", err)
	}

	t.logger.InfoContext(ctx, "Database encrypted", slog.String("output", encryptedPath))
	return nil
}

// IntegrityCheck runs PRAGMA integrity_check on path. An empty key checks a
// plaintext file.
func (t *Transformer) IntegrityCheck(ctx context.Context, path, key string) error {
	if err := t.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.lock.Release(1)
	return t.integrity(ctx, path, key)
}

// CurrentKey returns the key the live database is opened with
func (t *Transformer) CurrentKey(ctx context.Context) (string, error) {
	return t.keys.GetEncryptionKey(ctx, nil)
}

func (t *Transformer) integrity(ctx context.Context, path, key string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	db := NewKeyInjector(path, StaticKey(key), t.busyTimeout, t.logger).Open()
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if !strings.EqualFold(result, "ok") {
		return fmt.Errorf("integrity check reported %q", result)
	}
	return nil
}

// export attaches dst to a connection on src and runs sqlcipher_export.
func (t *Transformer) export(ctx context.Context, src, srcKey, dst, dstKey, alias string) error {
	if err := ensureParent(dst); err != nil {
		return transformError("prepare output", err)
	}
	removeDatabaseFiles(dst)

	db := NewKeyInjector(src, StaticKey(srcKey), t.busyTimeout, t.logger).Open()
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return transformError("open source", err)
	}
	defer conn.Close()

	steps := []string{
		"ATTACH DATABASE " + quoteLiteral(dst) + " AS " + alias + " KEY " + quoteLiteral(dstKey),
		"SELECT sqlcipher_export(" + quoteLiteral(alias) + ")",
		"DETACH DATABASE " + alias,
	}
	for _, stmt := range steps {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			removeDatabaseFiles(dst)
			return transformError("export", err)
		}
	}
	return nil
}

func checkPaths(src, dst string) error {
	for _, p := range []string{src, dst} {
		if !strings.EqualFold(filepath.Ext(p), ".db") {
			return apperrors.NewAppValidationError(fmt.Sprintf("database path must end in .db: %s", p))
		}
	}
	if filepath.Clean(src) == filepath.Clean(dst) {
		return apperrors.NewAppValidationError("source and destination must differ")
	}
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return apperrors.NewAppValidationError(fmt.Sprintf("database not found: %s", filepath.Base(src)))
	}
	return nil
}

func transformError(step string, err error) error {
	return apperrors.NewAppError(apperrors.ErrTypeDatabase, step, errors.Join(apperrors.ErrTransformFailed, err))
}
