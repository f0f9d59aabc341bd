package services

import "errors"

var (
	ErrAlreadyVerified         = errors.New("application is already verified")
	ErrAdminEmailNotConfigured = errors.New("admin email is not configured")
	ErrNotificationQueueFull   = errors.New("notification queue is full")
	ErrDatabaseNotFound        = errors.New("database file not found")
	ErrInvalidCodeOrExpired    = errors.New("invalid verification code or code expired")
	ErrPasswordRejected        = errors.New("password must not be empty")
)
