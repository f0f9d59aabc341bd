package middleware

import "context"

// VerificationChecker reports whether this installation has completed
// email verification.
type VerificationChecker interface {
	IsVerificationCompleted(ctx context.Context) bool
}
