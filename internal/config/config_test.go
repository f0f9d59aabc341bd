package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sealdb/internal/errors"
)

// clearEnv unsets every SEALDB_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, val, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, EnvPrefix+"_") {
			continue
		}
		require.NoError(t, os.Unsetenv(key))
		t.Cleanup(func() { os.Setenv(key, val) })
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		file        string
		wantErr     bool
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults with no env vars",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5080, cfg.Server.Port)
				assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, "info", cfg.Logging.Level)
				assert.Equal(t, "seek.db", cfg.Paths.DatabaseFile)
				assert.Equal(t, 2*time.Second, cfg.Database.RetryBase)
				assert.Equal(t, uint64(3), cfg.Database.MaxRetries)
				assert.Equal(t, 30*time.Minute, cfg.Verification.CodeTTL)
				assert.Equal(t, "dev", cfg.Email.Provider)
			},
		},
		{
			name: "environment overrides",
			env: map[string]string{
				"SEALDB_SERVER_PORT":         "9090",
				"SEALDB_LOGGING_LEVEL":       "debug",
				"SEALDB_DATABASE_RETRY_BASE": "10ms",
				"SEALDB_EMAIL_ADMIN_EMAIL":   "ops@example.com",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, "debug", cfg.Logging.Level)
				assert.Equal(t, 10*time.Millisecond, cfg.Database.RetryBase)
				assert.Equal(t, "ops@example.com", cfg.Email.AdminEmail)
			},
		},
		{
			name: "file values fill in under env",
			env: map[string]string{
				"SEALDB_SERVER_PORT": "7070",
			},
			file: `
server:
  port: 6060
logging:
  level: warn
paths:
  database_file: vault.db
verification:
  code_ttl: 5m
`,
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7070, cfg.Server.Port, "env wins over file")
				assert.Equal(t, "warn", cfg.Logging.Level)
				assert.Equal(t, "vault.db", cfg.Paths.DatabaseFile)
				assert.Equal(t, 5*time.Minute, cfg.Verification.CodeTTL)
				assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout, "default kept for unset keys")
			},
		},
		{
			name:    "invalid port",
			env:     map[string]string{"SEALDB_SERVER_PORT": "70000"},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			env:     map[string]string{"SEALDB_LOGGING_LEVEL": "verbose"},
			wantErr: true,
		},
		{
			name:    "smtp provider without host",
			env:     map[string]string{"SEALDB_EMAIL_PROVIDER": "smtp"},
			wantErr: true,
		},
		{
			name:    "postmark provider without token",
			env:     map[string]string{"SEALDB_EMAIL_PROVIDER": "postmark"},
			wantErr: true,
		},
		{
			name:    "malformed env duration",
			env:     map[string]string{"SEALDB_SERVER_READ_TIMEOUT": "soon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if tt.file != "" {
				path := filepath.Join(t.TempDir(), "sealdb.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0644))
				t.Setenv(EnvPrefix+"_CONFIG", path)
			}

			cfg, err := Load()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)
			if tt.validateCfg != nil {
				tt.validateCfg(t, cfg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Run("valid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
email:
  provider: postmark
  postmark:
    server_token: srv
    account_token: acct
database:
  replace_attempts: 5
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := loadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "postmark", cfg.Email.Provider)
		assert.Equal(t, "srv", cfg.Email.Postmark.ServerToken)
		assert.Equal(t, uint64(5), cfg.Database.ReplaceAttempts)
		assert.Zero(t, cfg.Server.Port)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("invalid: yaml: [unclosed"), 0644))
		_, err := loadFromFile(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestMergeConfigs(t *testing.T) {
	clearEnv(t)

	file := Config{
		Server:  ServerConfig{Port: 6060},
		Logging: LoggingConfig{Level: "error"},
	}
	env := *Default()

	merged := mergeConfigs(file, env)
	assert.Equal(t, 6060, merged.Server.Port)
	assert.Equal(t, "error", merged.Logging.Level)
	assert.Equal(t, env.Server.ReadTimeout, merged.Server.ReadTimeout)
	assert.Equal(t, env.Paths, merged.Paths)
	assert.Equal(t, env.Database, merged.Database)
	assert.Equal(t, env.Email.SMTP, merged.Email.SMTP)

	t.Setenv("SEALDB_SERVER_PORT", "1234")
	env.Server.Port = 1234
	merged = mergeConfigs(file, env)
	assert.Equal(t, 1234, merged.Server.Port)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())
	assert.Equal(t, uint64(3), cfg.Database.ReplaceAttempts)
	assert.Equal(t, time.Second, cfg.Database.ReplaceBackoff)
	assert.True(t, cfg.Security.RateLimit.Enabled)
}

func TestGetConfigFilePath(t *testing.T) {
	clearEnv(t)

	t.Run("explicit env path", func(t *testing.T) {
		t.Setenv(EnvPrefix+"_CONFIG", "/etc/sealdb/custom.yaml")
		assert.Equal(t, "/etc/sealdb/custom.yaml", getConfigFilePath())
	})

	t.Run("nothing found", func(t *testing.T) {
		wd, err := os.Getwd()
		require.NoError(t, err)
		require.NoError(t, os.Chdir(t.TempDir()))
		t.Cleanup(func() { os.Chdir(wd) })

		assert.Empty(t, getConfigFilePath())
	})

	t.Run("configs directory", func(t *testing.T) {
		wd, err := os.Getwd()
		require.NoError(t, err)
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "sealdb.yaml"), []byte("{}"), 0644))
		require.NoError(t, os.Chdir(dir))
		t.Cleanup(func() { os.Chdir(wd) })

		assert.Equal(t, "configs/sealdb.yaml", getConfigFilePath())
	})
}

func TestLoadValidationErrorIsConfigError(t *testing.T) {
	clearEnv(t)
	t.Setenv("SEALDB_EMAIL_PROVIDER", "smtp")

	_, err := Load()

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrTypeConfig, appErr.Type)
}
