package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	apperrors "sealdb/internal/errors"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "SEALDB"

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" envconfig:"SERVER"`
	Security     SecurityConfig     `yaml:"security" envconfig:"SECURITY"`
	Logging      LoggingConfig      `yaml:"logging" envconfig:"LOGGING"`
	Paths        PathsConfig        `yaml:"paths" envconfig:"PATHS"`
	Database     DatabaseConfig     `yaml:"database" envconfig:"DATABASE"`
	Verification VerificationConfig `yaml:"verification" envconfig:"VERIFICATION"`
	Email        EmailConfig        `yaml:"email" envconfig:"EMAIL"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"5080" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"30s" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins  []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:5080" validate:"min=1"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	VerifyRateLimit RateLimitConfig `yaml:"verify_rate_limit" envconfig:"VERIFY_RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"50"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"20"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn warning error"`
	Output     string `yaml:"output" envconfig:"OUTPUT" default:"both" validate:"oneof=console file both"`
	FilePath   string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/sealdb.log"`
	MaxSizeMB  int    `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB" default:"20"`
	MaxBackups int    `yaml:"max_backups" envconfig:"MAX_BACKUPS" default:"5"`
	MaxAgeDays int    `yaml:"max_age_days" envconfig:"MAX_AGE_DAYS" default:"30"`
}

// PathsConfig contains file system paths configuration.
// Relative values are resolved against the executable directory.
type PathsConfig struct {
	AppDataDir   string `yaml:"app_data_dir" envconfig:"APP_DATA_DIR" default:"appdata"`
	DataDir      string `yaml:"data_dir" envconfig:"DATA_DIR" default:"Database"`
	DatabaseFile string `yaml:"database_file" envconfig:"DATABASE_FILE" default:"seek.db"`
	LogsDir      string `yaml:"logs_dir" envconfig:"LOGS_DIR" default:"logs"`
	OutboxDir    string `yaml:"outbox_dir" envconfig:"OUTBOX_DIR" default:"outbox"`
}

// DatabaseConfig controls the encryption lifecycle retry policy
type DatabaseConfig struct {
	RetryBase       time.Duration `yaml:"retry_base" envconfig:"RETRY_BASE" default:"2s" validate:"gt=0"`
	MaxRetries      uint64        `yaml:"max_retries" envconfig:"MAX_RETRIES" default:"3"`
	ReplaceAttempts uint64        `yaml:"replace_attempts" envconfig:"REPLACE_ATTEMPTS" default:"3" validate:"min=1"`
	ReplaceBackoff  time.Duration `yaml:"replace_backoff" envconfig:"REPLACE_BACKOFF" default:"1s" validate:"gt=0"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" envconfig:"BUSY_TIMEOUT" default:"5s"`
}

// VerificationConfig contains code generation settings
type VerificationConfig struct {
	CodeTTL time.Duration `yaml:"code_ttl" envconfig:"CODE_TTL" default:"30m" validate:"gt=0"`
}

// EmailConfig selects and configures the outbound mail provider
type EmailConfig struct {
	Provider     string         `yaml:"provider" envconfig:"PROVIDER" default:"dev" validate:"oneof=smtp postmark dev"`
	SenderEmail  string         `yaml:"sender_email" envconfig:"SENDER_EMAIL" default:"noreply@localhost"`
	SupportEmail string         `yaml:"support_email" envconfig:"SUPPORT_EMAIL" default:"support@localhost"`
	AdminEmail   string         `yaml:"admin_email" envconfig:"ADMIN_EMAIL" default:"admin@localhost"`
	SMTP         SMTPConfig     `yaml:"smtp" envconfig:"SMTP"`
	Postmark     PostmarkConfig `yaml:"postmark" envconfig:"POSTMARK"`
	QueueSize    int            `yaml:"queue_size" envconfig:"QUEUE_SIZE" default:"64"`
	Workers      int            `yaml:"workers" envconfig:"WORKERS" default:"2"`
}

// SMTPConfig holds SMTP relay settings
type SMTPConfig struct {
	Host     string `yaml:"host" envconfig:"HOST"`
	Port     int    `yaml:"port" envconfig:"PORT" default:"587"`
	Username string `yaml:"username" envconfig:"USERNAME"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	TLSMode  string `yaml:"tls_mode" envconfig:"TLS_MODE" default:"starttls"`
}

// PostmarkConfig holds Postmark API tokens
type PostmarkConfig struct {
	ServerToken  string `yaml:"server_token" envconfig:"SERVER_TOKEN"`
	AccountToken string `yaml:"account_token" envconfig:"ACCOUNT_TOKEN"`
}

// TelemetryConfig toggles OpenTelemetry exporters
type TelemetryConfig struct {
	EnableTracing bool   `yaml:"enable_tracing" envconfig:"ENABLE_TRACING" default:"false"`
	EnableMetrics bool   `yaml:"enable_metrics" envconfig:"ENABLE_METRICS" default:"true"`
	TraceExporter string `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"none" validate:"oneof=stdout none"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Load from config file if exists
	if configFile := getConfigFilePath(); configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, apperrors.NewConfigError("config validation failed", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs layers the file config under values explicitly set in the
// environment. envconfig fills defaults, so only variables that are actually
// present in the environment win over the file.
func mergeConfigs(fileConfig, envConfig Config) Config {
	merged := fileConfig
	def := Default()

	pick := func(name string) bool {
		_, ok := os.LookupEnv(EnvPrefix + "_" + name)
		return ok
	}

	if pick("SERVER_PORT") || merged.Server.Port == 0 {
		merged.Server.Port = envConfig.Server.Port
	}
	if pick("SERVER_READ_TIMEOUT") || merged.Server.ReadTimeout == 0 {
		merged.Server.ReadTimeout = envConfig.Server.ReadTimeout
	}
	if pick("SERVER_WRITE_TIMEOUT") || merged.Server.WriteTimeout == 0 {
		merged.Server.WriteTimeout = envConfig.Server.WriteTimeout
	}
	if merged.Server.IdleTimeout == 0 {
		merged.Server.IdleTimeout = envConfig.Server.IdleTimeout
	}
	if merged.Server.ShutdownTimeout == 0 {
		merged.Server.ShutdownTimeout = envConfig.Server.ShutdownTimeout
	}

	if pick("SECURITY_ALLOWED_ORIGINS") || len(merged.Security.AllowedOrigins) == 0 {
		merged.Security.AllowedOrigins = envConfig.Security.AllowedOrigins
	}
	if merged.Security.RateLimit == (RateLimitConfig{}) {
		merged.Security.RateLimit = envConfig.Security.RateLimit
	}
	if merged.Security.VerifyRateLimit == (RateLimitConfig{}) {
		merged.Security.VerifyRateLimit = envConfig.Security.VerifyRateLimit
	}

	if pick("LOGGING_LEVEL") || merged.Logging.Level == "" {
		merged.Logging.Level = envConfig.Logging.Level
	}
	if pick("LOGGING_OUTPUT") || merged.Logging.Output == "" {
		merged.Logging.Output = envConfig.Logging.Output
	}
	if pick("LOGGING_FILE_PATH") || merged.Logging.FilePath == "" {
		merged.Logging.FilePath = envConfig.Logging.FilePath
	}
	if merged.Logging.MaxSizeMB == 0 {
		merged.Logging.MaxSizeMB = envConfig.Logging.MaxSizeMB
	}
	if merged.Logging.MaxBackups == 0 {
		merged.Logging.MaxBackups = envConfig.Logging.MaxBackups
	}
	if merged.Logging.MaxAgeDays == 0 {
		merged.Logging.MaxAgeDays = envConfig.Logging.MaxAgeDays
	}

	if pick("PATHS_APP_DATA_DIR") || merged.Paths.AppDataDir == "" {
		merged.Paths.AppDataDir = envConfig.Paths.AppDataDir
	}
	if pick("PATHS_DATA_DIR") || merged.Paths.DataDir == "" {
		merged.Paths.DataDir = envConfig.Paths.DataDir
	}
	if pick("PATHS_DATABASE_FILE") || merged.Paths.DatabaseFile == "" {
		merged.Paths.DatabaseFile = envConfig.Paths.DatabaseFile
	}
	if pick("PATHS_LOGS_DIR") || merged.Paths.LogsDir == "" {
		merged.Paths.LogsDir = envConfig.Paths.LogsDir
	}
	if pick("PATHS_OUTBOX_DIR") || merged.Paths.OutboxDir == "" {
		merged.Paths.OutboxDir = envConfig.Paths.OutboxDir
	}

	if pick("DATABASE_RETRY_BASE") || merged.Database.RetryBase == 0 {
		merged.Database.RetryBase = envConfig.Database.RetryBase
	}
	if pick("DATABASE_MAX_RETRIES") || merged.Database.MaxRetries == 0 {
		merged.Database.MaxRetries = envConfig.Database.MaxRetries
	}
	if merged.Database.ReplaceAttempts == 0 {
		merged.Database.ReplaceAttempts = envConfig.Database.ReplaceAttempts
	}
	if merged.Database.ReplaceBackoff == 0 {
		merged.Database.ReplaceBackoff = envConfig.Database.ReplaceBackoff
	}
	if merged.Database.BusyTimeout == 0 {
		merged.Database.BusyTimeout = envConfig.Database.BusyTimeout
	}

	if pick("VERIFICATION_CODE_TTL") || merged.Verification.CodeTTL == 0 {
		merged.Verification.CodeTTL = envConfig.Verification.CodeTTL
	}

	if pick("EMAIL_PROVIDER") || merged.Email.Provider == "" {
		merged.Email.Provider = envConfig.Email.Provider
	}
	if pick("EMAIL_SENDER_EMAIL") || merged.Email.SenderEmail == "" {
		merged.Email.SenderEmail = envConfig.Email.SenderEmail
	}
	if pick("EMAIL_SUPPORT_EMAIL") || merged.Email.SupportEmail == "" {
		merged.Email.SupportEmail = envConfig.Email.SupportEmail
	}
	if pick("EMAIL_ADMIN_EMAIL") || merged.Email.AdminEmail == "" {
		merged.Email.AdminEmail = envConfig.Email.AdminEmail
	}
	if merged.Email.SMTP == (SMTPConfig{}) {
		merged.Email.SMTP = envConfig.Email.SMTP
	}
	if merged.Email.Postmark == (PostmarkConfig{}) {
		merged.Email.Postmark = envConfig.Email.Postmark
	}
	if merged.Email.QueueSize == 0 {
		merged.Email.QueueSize = envConfig.Email.QueueSize
	}
	if merged.Email.Workers == 0 {
		merged.Email.Workers = envConfig.Email.Workers
	}

	if merged.Telemetry.TraceExporter == "" {
		merged.Telemetry = envConfig.Telemetry
	}
	if merged.Telemetry.TraceExporter == "" {
		merged.Telemetry.TraceExporter = def.Telemetry.TraceExporter
	}

	return merged
}

// validate validates the configuration
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Email.Provider == "smtp" && c.Email.SMTP.Host == "" {
		return fmt.Errorf("email provider smtp requires a host")
	}
	if c.Email.Provider == "postmark" && c.Email.Postmark.ServerToken == "" {
		return fmt.Errorf("email provider postmark requires a server token")
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG"); explicit != "" {
		return explicit
	}

	locations := []string{
		"sealdb.yaml",
		"configs/sealdb.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            5080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins:  []string{"http://localhost:5080"},
			RateLimit:       RateLimitConfig{Enabled: true, RPS: 50, Burst: 20},
			VerifyRateLimit: RateLimitConfig{Enabled: true, RPS: 0.2, Burst: 5},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     "both",
			FilePath:   "logs/sealdb.log",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Paths: PathsConfig{
			AppDataDir:   "appdata",
			DataDir:      "Database",
			DatabaseFile: "seek.db",
			LogsDir:      "logs",
			OutboxDir:    "outbox",
		},
		Database: DatabaseConfig{
			RetryBase:       2 * time.Second,
			MaxRetries:      3,
			ReplaceAttempts: 3,
			ReplaceBackoff:  time.Second,
			BusyTimeout:     5 * time.Second,
		},
		Verification: VerificationConfig{
			CodeTTL: 30 * time.Minute,
		},
		Email: EmailConfig{
			Provider:     "dev",
			SenderEmail:  "noreply@localhost",
			SupportEmail: "support@localhost",
			AdminEmail:   "admin@localhost",
			SMTP:         SMTPConfig{Port: 587, TLSMode: "starttls"},
			QueueSize:    64,
			Workers:      2,
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
			TraceExporter: "none",
		},
	}
}
