package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable error taxonomy surfaced across the channel boundary.
type ErrorCode string

const (
	CodeNotAuthorized   ErrorCode = "NOT_AUTHORIZED"
	CodeAuthError       ErrorCode = "AUTH_ERROR"
	CodeConfigError     ErrorCode = "CONFIG_ERROR"
	CodeSessionError    ErrorCode = "SESSION_ERROR"
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	CodeExtensionError  ErrorCode = "EXTENSION_ERROR"
	CodeInvalidArgs     ErrorCode = "INVALID_ARGS"
)

// CodedError carries an ErrorCode alongside a human-readable message.
type CodedError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// E creates a CodedError with a formatted message.
func E(code ErrorCode, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message, preserving the chain.
func Wrap(code ErrorCode, err error, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the ErrorCode from an error chain.
// Unclassified errors map to EXTENSION_ERROR (something below us failed).
func CodeOf(err error) ErrorCode {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeExtensionError
}

// MessageOf extracts the human-readable message from an error chain.
func MessageOf(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		if ce.Err != nil {
			return fmt.Sprintf("%s: %v", ce.Message, ce.Err)
		}
		return ce.Message
	}
	return err.Error()
}
