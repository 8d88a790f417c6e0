package types

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable, machine-readable error code. The set mirrors the error
// taxonomy of the public API; Message may change between releases, Code
// must not.
type Code string

const (
	CodeInvalidArgument  Code = "invalid_argument"
	CodeUnauthenticated  Code = "unauthenticated"
	CodePermissionDenied Code = "permission_denied"
	CodePolicyDenied     Code = "policy_denied"
	CodeExpired          Code = "expired"
	CodeAlreadyRecorded  Code = "already_recorded"
	CodeRateLimited      Code = "rate_limited"
	CodeNotFound         Code = "not_found"
	CodeUnavailable      Code = "unavailable"
	CodeInternal         Code = "internal"
)

// Error is the domain error carried across service boundaries. RetryAfter is
// only set for rate_limited; PolicyID only for policy_denied.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	PolicyID   string
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E constructs a domain error with a formatted message.
func E(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a domain code.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// RateLimitedError builds a rate_limited error carrying the retry hint.
func RateLimitedError(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// PolicyDeniedError builds a policy_denied error naming the denying policy.
func PolicyDeniedError(policyID string) *Error {
	return &Error{
		Code:     CodePolicyDenied,
		Message:  fmt.Sprintf("denied by policy %s", policyID),
		PolicyID: policyID,
	}
}

// CodeOf extracts the domain code from an error chain. Unknown errors are
// classified as internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given domain code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
