// ABOUTME: Shared error taxonomy for loom-gateway
// ABOUTME: Every public operation surfaces one of these codes; the API layer maps them to HTTP

package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code categorizes gateway errors.
type Code string

const (
	CodeValidation        Code = "validation"
	CodeNotFound          Code = "not_found"
	CodeRateLimited       Code = "rate_limited"
	CodeResourceExhausted Code = "resource_exhausted"
	CodeEngineFailure     Code = "engine_failure"
	CodeCancelled         Code = "cancelled"
)

// Error carries a taxonomy code plus, for rate-limit rejections, retry metadata.
type Error struct {
	Code      Code
	Message   string
	Remaining int
	ResetAt   time.Time
	wrapped   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.wrapped }

// Validationf builds a ValidationError. Nothing is mutated when one is returned.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a NotFound error for an unknown session or resource.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// RateLimited builds a quota-exceeded error carrying the caller's remaining
// budget and the time the window reopens.
func RateLimited(remaining int, resetAt time.Time) *Error {
	return &Error{
		Code:      CodeRateLimited,
		Message:   "rate limit exceeded",
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Exhaustedf builds a ResourceExhausted error (session ceiling and the like).
func Exhaustedf(format string, args ...any) *Error {
	return &Error{Code: CodeResourceExhausted, Message: fmt.Sprintf(format, args...)}
}

// Engine wraps an inference engine failure, preserving the cause for errors.Is.
func Engine(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Code: CodeEngineFailure, Message: "engine failure", wrapped: err}
}

// Enginef builds an EngineFailure with a formatted message.
func Enginef(format string, args ...any) *Error {
	return &Error{Code: CodeEngineFailure, Message: fmt.Sprintf(format, args...)}
}

// Cancelled builds a client-initiated abort error.
func Cancelled(reason string) *Error {
	if reason == "" {
		reason = "generation cancelled"
	}
	return &Error{Code: CodeCancelled, Message: reason}
}

// CodeOf extracts the taxonomy code from err. Context cancellation classifies
// as Cancelled; anything else unknown reports as EngineFailure so stream
// consumers always see a terminal code.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeEngineFailure
}

func classify(code Code) func(error) bool {
	return func(err error) bool {
		return err != nil && CodeOf(err) == code
	}
}

// Predicates for the common boundary checks.
var (
	IsValidation  = classify(CodeValidation)
	IsNotFound    = classify(CodeNotFound)
	IsRateLimited = classify(CodeRateLimited)
	IsExhausted   = classify(CodeResourceExhausted)
	IsEngine      = classify(CodeEngineFailure)
	IsCancelled   = classify(CodeCancelled)
)

// HTTPStatus maps a taxonomy code to its HTTP response status.
// Unrecognized errors map to 500.
func HTTPStatus(err error) int {
	var fe *Error
	if !errors.As(err, &fe) {
		return http.StatusInternalServerError
	}
	switch fe.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeResourceExhausted:
		return http.StatusServiceUnavailable
	case CodeEngineFailure, CodeCancelled:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
