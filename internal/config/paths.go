package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// File names inside the app-data directory.
const (
	RegistryFileName          = "registry.json"
	KeyConfigFileName         = "key_config.dat"
	VerifyHashFileName        = "verify.dat"
	FirstRegistrationMarker   = "first_registration.marker"
	VerificationStatusFile    = "verification_status.json"
	EmailSettingsFileName     = "email_settings.dat"
	TransformOutputFileName   = "temp_transform.db"
	tempDirName               = "Temp"
)

// Paths contains all the application paths.
// This is the single source of truth for file locations; relative entries in
// PathsConfig are resolved against the base directory.
type Paths struct {
	BaseDir    string
	AppDataDir string
	DataDir    string
	TempDir    string
	LogsDir    string
	OutboxDir  string

	DatabaseFile string

	RegistryFile           string
	KeyConfigFile          string
	VerifyHashFile         string
	MarkerFile             string
	VerificationStatusFile string
	EmailSettingsFile      string
}

// GetPaths resolves the application paths relative to the executable location.
func GetPaths(cfg PathsConfig) (*Paths, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %v", err)
	}

	// Resolve symlinks to get the actual executable location
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable symlinks: %v", err)
	}

	return ResolvePaths(filepath.Dir(exe), cfg), nil
}

// ResolvePaths builds Paths rooted at baseDir. Absolute entries in cfg are kept.
func ResolvePaths(baseDir string, cfg PathsConfig) *Paths {
	abs := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	appData := abs(cfg.AppDataDir)
	dataDir := abs(cfg.DataDir)

	dbFile := cfg.DatabaseFile
	if !filepath.IsAbs(dbFile) {
		dbFile = filepath.Join(dataDir, dbFile)
	}

	return &Paths{
		BaseDir:      baseDir,
		AppDataDir:   appData,
		DataDir:      dataDir,
		TempDir:      filepath.Join(dataDir, tempDirName),
		LogsDir:      abs(cfg.LogsDir),
		OutboxDir:    abs(cfg.OutboxDir),
		DatabaseFile: dbFile,

		RegistryFile:           filepath.Join(appData, RegistryFileName),
		KeyConfigFile:          filepath.Join(appData, KeyConfigFileName),
		VerifyHashFile:         filepath.Join(appData, VerifyHashFileName),
		MarkerFile:             filepath.Join(appData, FirstRegistrationMarker),
		VerificationStatusFile: filepath.Join(appData, VerificationStatusFile),
		EmailSettingsFile:      filepath.Join(appData, EmailSettingsFileName),
	}
}

// EnsureDirectories creates all required directories if they don't exist
func (p *Paths) EnsureDirectories() error {
	directories := []string{
		p.AppDataDir,
		p.DataDir,
		p.TempDir,
		p.LogsDir,
		p.OutboxDir,
	}

	logger := slog.Default()

	for _, dir := range directories {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %v", dir, err)
		}
		logger.Debug("Ensured directory exists", slog.String("directory", dir))
	}

	return nil
}

// TransformOutputPath is where decrypt/encrypt API calls write their result.
func (p *Paths) TransformOutputPath() string {
	return filepath.Join(p.TempDir, TransformOutputFileName)
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// LogPathResolution logs path resolution information for debugging
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("Path resolution summary",
		slog.Group("directories",
			slog.String("base", p.BaseDir),
			slog.String("app_data", p.AppDataDir),
			slog.String("data", p.DataDir),
			slog.String("temp", p.TempDir),
			slog.String("logs", p.LogsDir),
			slog.String("outbox", p.OutboxDir),
		),
		slog.Group("files",
			slog.String("database", p.DatabaseFile),
			slog.Bool("database_exists", FileExists(p.DatabaseFile)),
			slog.String("verification_status", p.VerificationStatusFile),
		))
}
