// Package apperr defines the error taxonomy shared by the ledger, job and
// dispatch layers and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, caller-facing error code.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
	CodeInvalidAction       Code = "INVALID_ACTION"
	CodeProviderError       Code = "PROVIDER_ERROR"
	CodeQuotaExhausted      Code = "PROVIDER_QUOTA_EXHAUSTED"
	CodeStatusConflict      Code = "STATUS_CONFLICT"
	CodeNotCancellable      Code = "NOT_CANCELLABLE"
	CodeNotFound            Code = "NOT_FOUND"
	CodeTooManyJobs         Code = "TOO_MANY_JOBS"
	CodeRequestInProgress   Code = "REQUEST_IN_PROGRESS"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Error is a coded application error. Two *Error values match under
// errors.Is when their codes are equal.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrValidation          = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrInsufficientCredits = &Error{Code: CodeInsufficientCredits, Message: "insufficient credits"}
	ErrInvalidAction       = &Error{Code: CodeInvalidAction, Message: "invalid action"}
	ErrProvider            = &Error{Code: CodeProviderError, Message: "provider error"}
	ErrQuotaExhausted      = &Error{Code: CodeQuotaExhausted, Message: "provider quota exhausted"}
	ErrStatusConflict      = &Error{Code: CodeStatusConflict, Message: "status conflict"}
	ErrNotCancellable      = &Error{Code: CodeNotCancellable, Message: "job not cancellable"}
	ErrNotFound            = &Error{Code: CodeNotFound, Message: "not found"}
	ErrTooManyJobs         = &Error{Code: CodeTooManyJobs, Message: "too many jobs in flight"}
	ErrRequestInProgress   = &Error{Code: CodeRequestInProgress, Message: "identical request in progress"}
	ErrUnauthorized        = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrForbidden           = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrInternal            = &Error{Code: CodeInternal, Message: "internal error"}
)

// New returns an *Error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error that carries err as its cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// InsufficientCredits builds the INSUFFICIENT_CREDITS error with its balance details.
func InsufficientCredits(required, available, balance int64) *Error {
	return &Error{
		Code:    CodeInsufficientCredits,
		Message: fmt.Sprintf("requires %d credits, %d available", required, available),
		Details: map[string]any{
			"required":  required,
			"available": available,
			"balance":   balance,
		},
	}
}

// NotFound builds a NOT_FOUND error for the named entity.
func NotFound(entity string, id any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %v not found", entity, id)}
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// As returns the first *Error in err's chain. Uncoded errors are reported as
// INTERNAL_ERROR without leaking their text.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// HTTPStatus maps a code onto the response status used by the HTTP layer.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeInvalidAction:
		return http.StatusBadRequest
	case CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStatusConflict, CodeNotCancellable, CodeRequestInProgress:
		return http.StatusConflict
	case CodeTooManyJobs:
		return http.StatusTooManyRequests
	case CodeProviderError:
		return http.StatusBadGateway
	case CodeQuotaExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
