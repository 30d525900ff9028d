package integration

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable failure class carried by the response
// envelope.
type ErrorCode string

const (
	CodeAuth         ErrorCode = "AUTH_ERROR"
	CodeConfig       ErrorCode = "CONFIG_ERROR"
	CodeNotSupported ErrorCode = "NOT_SUPPORTED"
	CodeContact      ErrorCode = "CONTACT_ERROR"
	CodeProcessing   ErrorCode = "PROCESSING_ERROR"
	CodeUnknown      ErrorCode = "UNKNOWN_ERROR"
)

// Error is the only error type that crosses the adapter boundary.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a code and an operation tag.
func NewError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf builds an *Error from a format string.
func Errorf(code ErrorCode, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// ErrNotSupported is the cause attached to NOT_SUPPORTED errors.
var ErrNotSupported = errors.New("operation not supported by this provider")

// NotSupported returns the canonical NOT_SUPPORTED error for op.
func NotSupported(op string) *Error {
	return &Error{Code: CodeNotSupported, Op: op, Err: ErrNotSupported}
}

// CodeOf extracts the error code from err. Context deadline errors count as
// processing failures so that a timed-out adapter is reported like any other.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ie *Error
	if errors.As(err, &ie) && ie.Code != "" {
		return ie.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeProcessing
	}
	return CodeUnknown
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if ie, ok := err.(*Error); ok && ie.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsNotSupported reports whether err signals an unimplemented operation.
func IsNotSupported(err error) bool {
	return CodeOf(err) == CodeNotSupported
}

// Response is the uniform result envelope.
type Response[T any] struct {
	Success   bool      `json:"success"`
	Data      *T        `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
}

// Respond converts an operation result into the envelope.
func Respond[T any](v T, err error) Response[T] {
	if err != nil {
		return Response[T]{Error: err.Error(), ErrorCode: CodeOf(err)}
	}
	return Response[T]{Success: true, Data: &v}
}

// RespondErr builds an envelope for operations without a payload.
func RespondErr(err error) Response[struct{}] {
	return Respond(struct{}{}, err)
}
