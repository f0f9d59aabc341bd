// Package services holds the operations behind the HTTP handlers and the
// admin CLI.
//
// Each service is an interface with an unexported implementation built from
// the domain packages (security, database, verification, notify). Handlers
// depend on the interface only, so tests substitute fakes.
//
//	VerificationService  installation verification by emailed code
//	DatabaseService      existence check, decrypt/encrypt export, integrity, password
//	HealthService        liveness, readiness and version
//
// Services log with the injected *slog.Logger and return errors from
// internal/errors so handlers can map them to problem responses.
package services
