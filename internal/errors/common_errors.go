package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the key, database and verification flows.
var (
	ErrKeyRetrievalFailed           = errors.New("encryption key retrieval failed")
	ErrDatabaseInitializationFailed = errors.New("database initialization failed")
	ErrMigrationStepFailed          = errors.New("database migration step failed")
	ErrVerificationExpired          = errors.New("verification code expired")
	ErrVerificationInvalidCode      = errors.New("verification code invalid")
	ErrEmailDeliveryFailed          = errors.New("email delivery failed")
	ErrInvalidPassword              = errors.New("invalid password")
	ErrTransformFailed              = errors.New("database transform failed")
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrTypeKey          ErrorType = "KEY"
	ErrTypeDatabase     ErrorType = "DATABASE"
	ErrTypeMigration    ErrorType = "MIGRATION"
	ErrTypeVerification ErrorType = "VERIFICATION"
	ErrTypeEmail        ErrorType = "EMAIL"
	ErrTypeStorage      ErrorType = "STORAGE"
	ErrTypeValidation   ErrorType = "VALIDATION"
	ErrTypeConfig       ErrorType = "CONFIG"
)

// AppError represents an application-specific error
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with AppError
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewKeyError wraps cause under ErrKeyRetrievalFailed.
func NewKeyError(message string, cause error) *AppError {
	return NewAppError(ErrTypeKey, message, join(ErrKeyRetrievalFailed, cause))
}

// NewDatabaseError wraps cause under ErrDatabaseInitializationFailed.
func NewDatabaseError(message string, cause error) *AppError {
	return NewAppError(ErrTypeDatabase, message, join(ErrDatabaseInitializationFailed, cause))
}

// NewMigrationError wraps cause under ErrMigrationStepFailed.
func NewMigrationError(step string, cause error) *AppError {
	return NewAppError(ErrTypeMigration, step, join(ErrMigrationStepFailed, cause)).
		WithContext("step", step)
}

// NewVerificationError creates a verification-related error
func NewVerificationError(message string, cause error) *AppError {
	return NewAppError(ErrTypeVerification, message, cause)
}

// NewEmailError wraps cause under ErrEmailDeliveryFailed.
func NewEmailError(message string, cause error) *AppError {
	return NewAppError(ErrTypeEmail, message, join(ErrEmailDeliveryFailed, cause))
}

// NewStorageError creates a storage-related error
func NewStorageError(message string, cause error) *AppError {
	return NewAppError(ErrTypeStorage, message, cause)
}

// NewAppValidationError creates a validation error for AppError type
func NewAppValidationError(message string) *AppError {
	return NewAppError(ErrTypeValidation, message, nil)
}

// NewConfigError creates a configuration error
func NewConfigError(message string, cause error) *AppError {
	return NewAppError(ErrTypeConfig, message, cause)
}

func join(sentinel, cause error) error {
	switch {
	case cause == nil:
		return sentinel
	case errors.Is(cause, sentinel):
		return cause
	default:
		return fmt.Errorf("%w: %w", sentinel, cause)
	}
}
