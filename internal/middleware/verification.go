package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// VerificationRequiredResponse is the body returned for blocked requests.
type VerificationRequiredResponse struct {
	Message              string `json:"message"`
	VerificationRequired bool   `json:"verificationRequired"`
}

// VerificationGate blocks every request outside the allow-list until the
// installation has been verified.
type VerificationGate struct {
	checker         VerificationChecker
	logger          *slog.Logger
	tracer          trace.Tracer
	excludePaths    []string
	excludePrefixes []string
}

// NewVerificationGate creates the gate with the default allow-list.
func NewVerificationGate(checker VerificationChecker, logger *slog.Logger) *VerificationGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &VerificationGate{
		checker: checker,
		logger:  logger.With(slog.String("component", "verification_gate")),
		tracer:  otel.Tracer("sealdb/middleware"),
		excludePaths: []string{
			"/api/health",
			"/api/version",
			"/metrics",
		},
		excludePrefixes: []string{
			"/api/v1/verification/",
			"/api/health/",
			"/swagger/",
			"/docs/",
		},
	}
}

// AddExcludePath exempts an exact path
func (g *VerificationGate) AddExcludePath(path string) {
	g.excludePaths = append(g.excludePaths, path)
}

// AddExcludePrefix exempts every path under prefix
func (g *VerificationGate) AddExcludePrefix(prefix string) {
	g.excludePrefixes = append(g.excludePrefixes, prefix)
}

// Handler returns the middleware handler function
func (g *VerificationGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.isExcluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := g.tracer.Start(r.Context(), "verification_gate.check",
			trace.WithAttributes(attribute.String("http.path", r.URL.Path)))
		verified := g.checker.IsVerificationCompleted(ctx)
		span.SetAttributes(attribute.Bool("verification.completed", verified))
		span.End()

		if verified {
			next.ServeHTTP(w, r)
			return
		}

		g.logger.WarnContext(ctx, "Request blocked pending verification",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", GetReqID(ctx)))

		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, VerificationRequiredResponse{
			Message:              "Application requires verification",
			VerificationRequired: true,
		})
	})
}

func (g *VerificationGate) isExcluded(path string) bool {
	for _, p := range g.excludePaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) || path == strings.TrimSuffix(prefix, "/") {
			return true
		}
	}
	return false
}
