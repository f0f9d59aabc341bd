package security

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedKey struct {
	key string
	err error
}

func (f fixedKey) GetEncryptionKey(context.Context, *string) (string, error) { return f.key, f.err }

func TestSettingsStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "email_settings.dat")
	store := NewSettingsStore(path, fixedKey{key: "derived-key"}, nil)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
	assert.False(t, store.Exists())

	settings := EmailSettings{
		SmtpServer: "smtp.example.com",
		SmtpPort:   587,
		Username:   "mailer",
		Password:   "smtp-secret",
		UseSsl:     true,
		FromEmail:  "noreply@example.com",
		AdminEmail: "admin@example.com",
	}
	require.NoError(t, store.Save(ctx, settings))
	assert.True(t, store.Exists())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("smtp-secret")))

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, settings, *loaded)
}

func TestSettingsStoreWrongKey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "email_settings.dat")

	require.NoError(t, NewSettingsStore(path, fixedKey{key: "machine-a"}, nil).Save(ctx, EmailSettings{SmtpServer: "smtp"}))

	_, err := NewSettingsStore(path, fixedKey{key: "machine-b"}, nil).Load(ctx)
	assert.Error(t, err)
}

func TestSettingsStoreKeyFailure(t *testing.T) {
	boom := errors.New("no key")
	store := NewSettingsStore(filepath.Join(t.TempDir(), "email_settings.dat"), fixedKey{err: boom}, nil)

	err := store.Save(context.Background(), EmailSettings{})
	assert.ErrorIs(t, err, boom)
}
