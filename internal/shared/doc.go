// Package shared holds helpers used by more than one package.
//
// testutil captures slog output for assertions, checks that secrets never
// reach the logs and provides a controllable clock for expiry tests.
package shared
