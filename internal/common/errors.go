package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = errors.New("validation failed")
)

// Job pipeline errors
var (
	ErrJobNotFound        = fmt.Errorf("job %w", ErrNotFound)
	ErrDuplicateJob       = errors.New("job already exists")
	ErrExtraction         = errors.New("extraction failed")
	ErrUnsupportedFormat  = errors.New("unsupported file format")
	ErrCallbackDelivery   = errors.New("callback delivery failed")
	ErrBrokerClosed       = errors.New("broker is shut down")
	ErrQueueFull          = errors.New("queue is full")
	ErrExecutionBackend   = errors.New("execution backend error")
	ErrUnsupportedBackend = errors.New("unsupported backend")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}
