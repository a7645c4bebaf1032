package common

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinels that package-level errors wrap, so transports can classify
// failures without importing every package.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("state conflict")
	ErrValidation   = errors.New("validation failed")
)

const CodeConfig = "CONFIG_ERROR"

// AppError names the setting or field a failure is about.
type AppError struct {
	Code    string
	Key     string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	msg := e.Code
	if e.Key != "" {
		msg += ": " + e.Key
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AppError) Unwrap() error { return e.Cause }

// configError reports a bad environment setting; it wraps ErrInvalidInput.
func configError(key, message string) *AppError {
	return &AppError{Code: CodeConfig, Key: key, Message: message, Cause: ErrInvalidInput}
}

func InvalidArgumentErrorf(format string, args ...any) error {
	return status.Error(codes.InvalidArgument, fmt.Sprintf(format, args...))
}

func InternalErrorf(format string, args ...any) error {
	return status.Error(codes.Internal, fmt.Sprintf(format, args...))
}
