package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"sealdb/internal/config"
	apperrors "sealdb/internal/errors"
	"sealdb/internal/infrastructure"
	customMiddleware "sealdb/internal/middleware"
	"sealdb/internal/services"
	handlers "sealdb/internal/transport/http"
)

const AppName = "sealdb"

// Stamped with -ldflags "-X sealdb/internal/app.Version=..."
var (
	Version   = "dev"
	BuildTime = ""
	Commit    = ""
)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Paths         *config.Paths
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Components    *Components
	HealthService *services.HealthService

	errors *apperrors.ErrorHandler
}

// NewApplication loads configuration, opens the encrypted database and
// builds the HTTP server. A database that cannot be initialized is fatal.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", Version))

	paths, err := config.GetPaths(cfg.Paths)
	if err != nil {
		return nil, fmt.Errorf("failed to get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}
	paths.LogPathResolution(logger)

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	return New(context.Background(), cfg, paths, logger, otelProviders)
}

// New builds the application from already resolved dependencies.
func New(ctx context.Context, cfg *config.Config, paths *config.Paths, logger *slog.Logger, providers *infrastructure.OTelProviders, opts ...ComponentOption) (*Application, error) {
	metrics := infrastructure.NoopMetrics()
	if providers != nil {
		m, err := infrastructure.CreateMetrics(providers.Meter)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		metrics = m
	}

	components, err := NewComponents(ctx, cfg, paths, logger, metrics, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	if err := components.Lifecycle.Initialize(ctx); err != nil {
		_ = components.Outbox.Close(ctx)
		return nil, err
	}

	a := &Application{
		Config:        cfg,
		Paths:         paths,
		Logger:        logger,
		OTelProviders: providers,
		Components:    components,
		errors:        apperrors.NewErrorHandler(logger, false),
	}
	a.HealthService = services.NewHealthService(
		services.BuildInfo{Version: Version, BuildTime: BuildTime, Commit: Commit},
		components.Lifecycle, components.Verification, logger)

	a.setupRouter(metrics)
	a.createServer()
	return a, nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter(metrics *infrastructure.Metrics) {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	otelMiddleware := customMiddleware.NewOTelMiddleware(nil, metrics)
	if a.OTelProviders != nil {
		otelMiddleware = customMiddleware.NewOTelMiddleware(a.OTelProviders.Tracer, metrics)
	}
	r.Use(otelMiddleware.Handler)

	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.errors))
	r.Use(customMiddleware.DefaultSecureHeaders().Handler)
	r.Use(customMiddleware.CORS(a.corsConfig()))

	if rl := a.Config.Security.RateLimit; rl.Enabled {
		r.Use(customMiddleware.NewRateLimiter(rl.RPS, rl.Burst, a.Logger, a.errors).Handler)
	}

	r.Use(customMiddleware.NewVerificationGate(a.Components.VerificationService, a.Logger).Handler)

	r.NotFound(a.errors.NotFound)
	r.MethodNotAllowed(a.errors.MethodNotAllowed)

	a.setupAPIRoutes(r)

	var exporter http.Handler
	if a.OTelProviders != nil {
		exporter = a.OTelProviders.PrometheusHTTP
	}
	r.Mount("/metrics", handlers.NewMetricsHandler(exporter).Routes())

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	var verifyLimiter *customMiddleware.RateLimiter
	if rl := a.Config.Security.VerifyRateLimit; rl.Enabled {
		verifyLimiter = customMiddleware.NewRateLimiter(rl.RPS, rl.Burst, a.Logger, a.errors)
	}

	healthHandler := handlers.NewHealthHandler(a.HealthService, a.Logger)
	verificationHandler := handlers.NewVerificationHandler(a.Components.VerificationService, verifyLimiter, a.errors, a.Logger)
	databaseHandler := handlers.NewDatabaseHandler(a.Components.DatabaseService, a.errors, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		healthHandler.Register(r)

		r.Route("/v1", func(r chi.Router) {
			r.Mount("/verification", verificationHandler.Routes())
			r.Mount("/database", databaseHandler.Routes())
		})
	})
}

func (a *Application) corsConfig() customMiddleware.CORSConfig {
	return customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Security.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Content-Type",
			"X-Request-ID",
		},
		MaxAge: 300,
	}
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start starts serving in the background. A listener failure calls cancel.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.Int("port", a.Config.Server.Port),
		slog.String("database", a.Paths.DatabaseFile))

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("address", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)),
		slog.Bool("verified", a.Components.VerificationService.IsVerificationCompleted(ctx)))
	return nil
}

// Stop shuts down the server, drains the outbox, closes the database and
// flushes telemetry, in that order.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}

	if err := a.Components.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	if err := infrastructure.CloseLogFile(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case sig := <-sigChan:
		a.Logger.InfoContext(ctx, "Received interrupt signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		a.Logger.WarnContext(ctx, "Server stopped unexpectedly")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout+5*time.Second)
	defer stopCancel()
	return a.Stop(stopCtx)
}
