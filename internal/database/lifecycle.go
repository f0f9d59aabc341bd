package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"sealdb/internal/config"
	apperrors "sealdb/internal/errors"
	"sealdb/internal/infrastructure"
)

// State is the encryption state of the database file.
type State int

const (
	StateNonExistent State = iota
	StateEncryptedValid
	StateNeedsMigration
	StateUnreadable
)

func (s State) String() string {
	switch s {
	case StateNonExistent:
		return "non_existent"
	case StateEncryptedValid:
		return "encrypted_valid"
	case StateNeedsMigration:
		return "needs_migration"
	case StateUnreadable:
		return "unreadable"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Lifecycle owns the database file: it makes sure the file is encrypted with
// the current key, then opens the pool, migrates the schema and seeds data.
type Lifecycle struct {
	path    string
	tempDir string
	cfg     config.DatabaseConfig
	keys    KeyProvider
	lock    *semaphore.Weighted

	metrics *infrastructure.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu sync.RWMutex
	db *sql.DB
}

// LifecycleOption configures a Lifecycle
type LifecycleOption func(*Lifecycle)

// WithMetrics records migrations on the given instruments
func WithMetrics(m *infrastructure.Metrics) LifecycleOption {
	return func(l *Lifecycle) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithClock overrides the clock used for backup names and seed data
func WithClock(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) { l.now = now }
}

// WithLock shares the process-wide transform lock
func WithLock(lock *semaphore.Weighted) LifecycleOption {
	return func(l *Lifecycle) { l.lock = lock }
}

// NewLifecycle creates a lifecycle manager for the database at path.
func NewLifecycle(path, tempDir string, cfg config.DatabaseConfig, keys KeyProvider, logger *slog.Logger, opts ...LifecycleOption) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lifecycle{
		path:    path,
		tempDir: tempDir,
		cfg:     cfg,
		keys:    keys,
		lock:    semaphore.NewWeighted(1),
		metrics: infrastructure.NoopMetrics(),
		logger:  logger.With(slog.String("component", "database_lifecycle")),
		tracer:  otel.Tracer("sealdb/database"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the database file path
func (l *Lifecycle) Path() string { return l.path }

// DB returns the live pool, or nil before Initialize succeeds.
func (l *Lifecycle) DB() *sql.DB {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.db
}

// Initialize brings the database to a usable state: cleanup, ensure
// encryption, migrations, seed. Failed attempts are retried with
// exponential backoff.
func (l *Lifecycle) Initialize(ctx context.Context) error {
	ctx, span := l.tracer.Start(ctx, "database.initialize")
	defer span.End()

	b := retry.WithMaxRetries(l.cfg.MaxRetries, retry.NewExponential(l.cfg.RetryBase))
	total := l.cfg.MaxRetries + 1

	var attempt uint64
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := l.initializeOnce(ctx); err != nil {
			l.logger.ErrorContext(ctx, "Database initialization failed",
				slog.Uint64("attempt", attempt),
				slog.Uint64("max_attempts", total),
				slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		infrastructure.RecordError(ctx, err)
		return apperrors.NewDatabaseError("database initialization failed", err).
			WithContext("attempts", attempt)
	}

	l.logger.InfoContext(ctx, "Database initialized successfully", slog.Uint64("attempts", attempt))
	return nil
}

func (l *Lifecycle) initializeOnce(ctx context.Context) error {
	if err := l.Close(); err != nil {
		l.logger.WarnContext(ctx, "Failed to close previous pool", slog.String("error", err.Error()))
	}

	key, err := l.keys.GetEncryptionKey(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := l.ensureEncryption(ctx, key); err != nil {
		return err
	}

	db := NewKeyInjector(l.path, ProviderKey(l.keys, nil), l.cfg.BusyTimeout, l.logger, WithForeignKeys()).Open()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := Migrate(ctx, db, l.logger); err != nil {
		db.Close()
		return err
	}
	if err := Seed(ctx, db, l.now(), l.logger); err != nil {
		db.Close()
		return err
	}

	l.mu.Lock()
	l.db = db
	l.mu.Unlock()
	return nil
}

// EnsureEncryption leaves the file encrypted with the current key and
// reports the state it found.
func (l *Lifecycle) EnsureEncryption(ctx context.Context) (State, error) {
	key, err := l.keys.GetEncryptionKey(ctx, nil)
	if err != nil {
		return StateNonExistent, err
	}
	return l.ensureEncryption(ctx, key)
}

func (l *Lifecycle) ensureEncryption(ctx context.Context, key string) (State, error) {
	ctx, span := l.tracer.Start(ctx, "database.ensure_encryption")
	defer span.End()

	if err := l.lock.Acquire(ctx, 1); err != nil {
		return StateNonExistent, err
	}
	defer l.lock.Release(1)

	state, err := l.probe(ctx, key)
	if err != nil {
		return state, err
	}
	span.SetAttributes(attribute.String("state", state.String()))

	switch state {
	case StateNonExistent:
		l.logger.InfoContext(ctx, "Creating new encrypted database", slog.String("path", l.path))
		if err := l.CreateNewEncryptedDatabase(ctx, l.path, key); err != nil {
			return state, err
		}
	case StateEncryptedValid:
		l.logger.InfoContext(ctx, "Database is properly encrypted")
	case StateNeedsMigration:
		l.logger.WarnContext(ctx, "Database needs encryption", slog.String("path", l.path))
		if err := l.encryptExisting(ctx, key); err != nil {
			l.metrics.Migrations.Add(ctx, 1, infrastructure.Outcome("failure"))
			return state, err
		}
		l.metrics.Migrations.Add(ctx, 1, infrastructure.Outcome("success"))
	}
	return state, nil
}

// ProbeState classifies the file without modifying it.
func (l *Lifecycle) ProbeState(ctx context.Context) (State, error) {
	key, err := l.keys.GetEncryptionKey(ctx, nil)
	if err != nil {
		return StateNonExistent, err
	}
	return l.probe(ctx, key)
}

func (l *Lifecycle) probe(ctx context.Context, key string) (State, error) {
	if _, err := os.Stat(l.path); errors.Is(err, os.ErrNotExist) {
		return StateNonExistent, nil
	} else if err != nil {
		return StateUnreadable, fmt.Errorf("stat database: %w", err)
	}

	err := checkKey(ctx, l.path, key, l.cfg.BusyTimeout, l.logger)
	if err == nil {
		return StateEncryptedValid, nil
	}
	if !isNotADB(err) {
		return StateUnreadable, fmt.Errorf("check database key: %w", err)
	}

	plain, herr := hasPlaintextHeader(l.path)
	if herr != nil {
		return StateUnreadable, fmt.Errorf("read database header: %w", herr)
	}
	if !plain {
		// Encrypted, but not with this machine's key.
		return StateUnreadable, apperrors.NewKeyError("current key does not open the database", err).
			WithContext("path", l.path)
	}

	l.logger.DebugContext(ctx, "Database is plaintext", slog.String("path", l.path))
	return StateNeedsMigration, nil
}

// CreateNewEncryptedDatabase creates an empty database at path keyed with key.
func (l *Lifecycle) CreateNewEncryptedDatabase(ctx context.Context, path, key string) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	removeDatabaseFiles(path)

	db := NewKeyInjector(path, StaticKey(key), l.cfg.BusyTimeout, l.logger).Open()
	defer db.Close()

	if _, err := db.ExecContext(ctx, "CREATE TABLE encryption_test(id INTEGER PRIMARY KEY); DROP TABLE encryption_test;"); err != nil {
		return fmt.Errorf("failed to create encrypted database: %w", err)
	}
	return nil
}

// encryptExisting copies a plaintext database into a new encrypted file and
// swaps it into place. The original is backed up first and never deleted.
func (l *Lifecycle) encryptExisting(ctx context.Context, key string) error {
	ctx, span := l.tracer.Start(ctx, "database.encrypt_existing")
	defer span.End()

	backup, err := backupFile(l.path, l.tempDir, l.now())
	if err != nil {
		return apperrors.NewMigrationError("backup", err)
	}
	l.logger.InfoContext(ctx, "Created database backup", slog.String("backup", backup))

	tmp := tempPath(l.path)
	defer removeDatabaseFiles(tmp)

	if err := l.CreateNewEncryptedDatabase(ctx, tmp, key); err != nil {
		return apperrors.NewMigrationError("create encrypted copy", err)
	}

	if err := l.copyInto(ctx, tmp, key); err != nil {
		return err
	}

	if err := atomicReplace(ctx, tmp, l.path, l.cfg.ReplaceAttempts, l.cfg.ReplaceBackoff, l.logger); err != nil {
		return apperrors.NewMigrationError("replace", err).WithContext("backup", backup)
	}

	l.logger.InfoContext(ctx, "Database encrypted successfully", slog.String("backup", backup))
	return nil
}

func (l *Lifecycle) copyInto(ctx context.Context, dstPath, key string) error {
	src := NewKeyInjector(l.path, PlainText(), l.cfg.BusyTimeout, l.logger).Open()
	defer src.Close()
	dst := NewKeyInjector(dstPath, StaticKey(key), l.cfg.BusyTimeout, l.logger).Open()
	defer dst.Close()

	c := &copier{src: src, dst: dst, logger: l.logger}
	tables, rows, err := c.copyAll(ctx)
	if err != nil {
		return err
	}

	l.logger.InfoContext(ctx, "Copied plaintext database",
		slog.Int("tables", tables),
		slog.Int64("rows", rows))
	return nil
}

// Close closes the live pool
func (l *Lifecycle) Close() error {
	l.mu.Lock()
	db := l.db
	l.db = nil
	l.mu.Unlock()

	if db == nil {
		return nil
	}
	return db.Close()
}

var sqliteHeader = []byte("SQLite format 3\x00")

// hasPlaintextHeader reports whether path starts with the plain SQLite
// header. SQLCipher files are indistinguishable from random bytes.
func hasPlaintextHeader(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, sqliteHeader), nil
}

// checkKey reports whether key opens the file at path
func checkKey(ctx context.Context, path, key string, busyTimeout time.Duration, logger *slog.Logger) error {
	db := NewKeyInjector(path, StaticKey(key), busyTimeout, logger).Open()
	defer db.Close()

	var n int
	return db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n)
}
