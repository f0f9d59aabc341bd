package services

import (
	"context"
	"database/sql"
	"log/slog"
	"runtime"
	"time"
)

// DatabaseHandle returns the open application database, or nil before
// initialization has finished.
type DatabaseHandle interface {
	DB() *sql.DB
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Runtime   map[string]interface{}   `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// BuildInfo is stamped at link time
type BuildInfo struct {
	Version   string
	BuildTime string
	Commit    string
}

// HealthService provides health check functionality
type HealthService struct {
	build     BuildInfo
	database  DatabaseHandle
	verifier  CodeManager
	startTime time.Time
	now       func() time.Time
	logger    *slog.Logger
}

// NewHealthService creates a health service. database and verifier may be nil.
func NewHealthService(build BuildInfo, database DatabaseHandle, verifier CodeManager, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		build:     build,
		database:  database,
		verifier:  verifier,
		startTime: time.Now(),
		now:       time.Now,
		logger:    logger.With(slog.String("service", "health")),
	}
}

// HealthCheck returns overall health status
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "ok",
		Timestamp: hs.now(),
		Version:   hs.build.Version,
	}
}

// ReadinessCheck reports "ready" only when the database answers a ping.
// Verification state is informational and never blocks readiness.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: hs.now(),
		Version:   hs.build.Version,
		Services: map[string]ServiceHealth{
			"database":     hs.checkDatabase(ctx),
			"verification": hs.checkVerification(ctx),
		},
	}
	if status.Services["database"].Status != "ready" {
		status.Status = "not_ready"
		hs.logger.WarnContext(ctx, "Readiness check failed", slog.String("database", status.Services["database"].Message))
	}
	return status
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: hs.now(),
		Version:   hs.build.Version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// Version returns version information
func (hs *HealthService) Version() map[string]interface{} {
	result := map[string]interface{}{
		"version":    hs.build.Version,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     time.Since(hs.startTime).Seconds(),
		"start_time": hs.startTime.Format(time.RFC3339),
	}
	if hs.build.BuildTime != "" {
		result["build_time"] = hs.build.BuildTime
	}
	if hs.build.Commit != "" {
		result["commit"] = hs.build.Commit
	}
	return result
}

func (hs *HealthService) checkDatabase(ctx context.Context) ServiceHealth {
	if hs.database == nil || hs.database.DB() == nil {
		return ServiceHealth{Status: "not_ready", Message: "database not initialized"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := hs.database.DB().PingContext(pingCtx); err != nil {
		return ServiceHealth{Status: "not_ready", Message: "database ping failed"}
	}
	return ServiceHealth{Status: "ready", Message: "encrypted database open"}
}

func (hs *HealthService) checkVerification(ctx context.Context) ServiceHealth {
	if hs.verifier == nil {
		return ServiceHealth{Status: "unknown"}
	}
	if hs.verifier.IsVerificationCompleted(ctx) {
		return ServiceHealth{Status: "verified"}
	}
	return ServiceHealth{Status: "unverified", Message: "application requires verification"}
}
