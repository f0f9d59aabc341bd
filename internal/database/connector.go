package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"

	apperrors "sealdb/internal/errors"
)

// KeyProvider yields the database passphrase, optionally strengthened by a password.
type KeyProvider interface {
	GetEncryptionKey(ctx context.Context, password *string) (string, error)
}

// KeySource is consulted once for every new physical connection. An empty
// key opens the file as plain SQLite.
type KeySource func(ctx context.Context) (string, error)

// StaticKey always returns key
func StaticKey(key string) KeySource {
	return func(context.Context) (string, error) { return key, nil }
}

// PlainText opens connections without a key
func PlainText() KeySource { return StaticKey("") }

// ProviderKey asks p for a fresh key on every connection.
func ProviderKey(p KeyProvider, password *string) KeySource {
	return func(ctx context.Context) (string, error) {
		return p.GetEncryptionKey(ctx, password)
	}
}

// KeyInjector is a driver.Connector that fetches the key for every
// connection it opens. The key travels in the driver's _pragma_key DSN
// parameter so SQLCipher applies it before any other statement, including
// the driver's own locking and synchronous pragmas.
type KeyInjector struct {
	driver *sqlite3.SQLiteDriver
	path   string
	params url.Values
	keys   KeySource
	logger *slog.Logger
}

var _ driver.Connector = (*KeyInjector)(nil)

// InjectorOption configures a KeyInjector
type InjectorOption func(*KeyInjector)

// WithForeignKeys enables foreign key enforcement on every connection.
func WithForeignKeys() InjectorOption {
	return func(k *KeyInjector) { k.params.Set("_foreign_keys", "1") }
}

// NewKeyInjector creates a connector for the database file at path
func NewKeyInjector(path string, keys KeySource, busyTimeout time.Duration, logger *slog.Logger, opts ...InjectorOption) *KeyInjector {
	if logger == nil {
		logger = slog.Default()
	}
	k := &KeyInjector{
		driver: &sqlite3.SQLiteDriver{},
		path:   path,
		params: url.Values{},
		keys:   keys,
		logger: logger.With(slog.String("component", "key_injector")),
	}
	if busyTimeout > 0 {
		k.params.Set("_busy_timeout", fmt.Sprintf("%d", busyTimeout.Milliseconds()))
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Connect implements driver.Connector
func (k *KeyInjector) Connect(ctx context.Context) (driver.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := k.keys(ctx)
	if err != nil {
		return nil, apperrors.NewKeyError("failed to retrieve key for connection", err)
	}
	// The driver wraps the value in double quotes without escaping.
	if strings.ContainsRune(key, '"') {
		return nil, apperrors.NewKeyError("key contains a double quote", nil)
	}

	conn, err := k.driver.Open(k.dsn(key))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}

	if _, ok := conn.(*sqlite3.SQLiteConn); !ok && key != "" {
		k.logger.WarnContext(ctx, "Connection is not a SQLCipher connection, key may not be applied",
			slog.String("type", fmt.Sprintf("%T", conn)))
	}
	return conn, nil
}

// Driver implements driver.Connector
func (k *KeyInjector) Driver() driver.Driver {
	return k.driver
}

// Open returns a pool whose every connection goes through k
func (k *KeyInjector) Open() *sql.DB {
	return sql.OpenDB(k)
}

// dsn builds the connection string for one connection. An empty key opens
// the file as plain SQLite.
func (k *KeyInjector) dsn(key string) string {
	q := url.Values{}
	for name, vals := range k.params {
		q[name] = vals
	}
	if key != "" {
		q.Set("_pragma_key", key)
	}
	if len(q) == 0 {
		return k.path
	}
	return k.path + "?" + q.Encode()
}

// isNotADB reports whether err is SQLite's "file is not a database", which is
// what a wrong key or a missing key looks like.
func isNotADB(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrNotADB
}

// quoteIdent quotes an SQLite identifier
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteLiteral quotes an SQLite string literal
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
