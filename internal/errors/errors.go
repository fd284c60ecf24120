// Package errors classifies pipeline failures so the scheduler can decide
// whether a job is retried, skipped, or escalated to an operator.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryConflict is an optimistic lock mismatch on the external row store
	CategoryConflict ErrorCategory = "conflict"
	// CategoryPrecondition is missing input such as a source url or destination
	CategoryPrecondition ErrorCategory = "precondition"
	// CategoryTransient covers network, 5xx and rate-limit failures
	CategoryTransient ErrorCategory = "transient"
	// CategoryPlatformReject is an auth, permission or blocked response from a platform
	CategoryPlatformReject ErrorCategory = "platform_reject"
	// CategoryQuotaExhausted means no cost pool can pay for the upload today
	CategoryQuotaExhausted ErrorCategory = "quota_exhausted"
	// CategoryDuplicate is an idempotency or lookback-window hit
	CategoryDuplicate ErrorCategory = "duplicate"
	// CategoryInvalidContent is media the platform would never accept
	CategoryInvalidContent ErrorCategory = "invalid_content"
)

// CategorizedError represents an error with a category and a stable code
type CategorizedError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// JobError renders the error the way it is stored in a job's last_error column.
func (e *CategorizedError) JobError() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetail attaches a detail field and returns the same error
func (e *CategorizedError) WithDetail(key string, value interface{}) *CategorizedError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewConflictError creates a status conflict error
func NewConflictError(expected, actual string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryConflict,
		Code:     "status_conflict",
		Message:  fmt.Sprintf("expected=%s, actual=%s", expected, actual),
		Details: map[string]interface{}{
			"expected": expected,
			"actual":   actual,
		},
	}
}

// NewPreconditionError creates an error for missing job input
func NewPreconditionError(code, message string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryPrecondition,
		Code:     code,
		Message:  message,
	}
}

// NewTransientError wraps a retryable failure
func NewTransientError(code string, cause error) *CategorizedError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &CategorizedError{
		Category: CategoryTransient,
		Code:     code,
		Message:  msg,
		Cause:    cause,
	}
}

// NewPlatformRejectError creates a terminal platform rejection
func NewPlatformRejectError(platform, message string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryPlatformReject,
		Code:     "platform_reject",
		Message:  message,
		Details: map[string]interface{}{
			"platform": platform,
		},
	}
}

// NewQuotaExhaustedError signals that no pool has budget left
func NewQuotaExhaustedError(platform string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryQuotaExhausted,
		Code:     platform + "_quota_exhausted",
		Details: map[string]interface{}{
			"platform": platform,
		},
	}
}

// NewDuplicateError creates a duplicate skip
func NewDuplicateError(code, message string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryDuplicate,
		Code:     code,
		Message:  message,
	}
}

// NewInvalidContentError creates a validation failure for unsuitable media
func NewInvalidContentError(message string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryInvalidContent,
		Code:     "validation_failed",
		Message:  message,
	}
}

// Categorize extracts the category from an error, or "" if it has none
func Categorize(err error) ErrorCategory {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Category
	}
	return ""
}

// Classify maps any error to a CategorizedError. Uncategorized errors are
// transient: an unknown failure is retried until the retry budget runs out.
func Classify(err error) *CategorizedError {
	if err == nil {
		return nil
	}
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}
	return NewTransientError("unexpected_error", err)
}

// IsRetryable determines if an error should trigger a retry with backoff
func IsRetryable(err error) bool {
	switch Categorize(err) {
	case CategoryTransient, CategoryQuotaExhausted:
		return true
	case CategoryConflict, CategoryPrecondition, CategoryPlatformReject,
		CategoryDuplicate, CategoryInvalidContent:
		return false
	default:
		return err != nil
	}
}

// IsSkip reports whether the error is a duplicate skip rather than a failure
func IsSkip(err error) bool {
	return Categorize(err) == CategoryDuplicate
}

// IsConflict reports whether err is an optimistic lock conflict
func IsConflict(err error) bool {
	return Categorize(err) == CategoryConflict
}

// NeedsOperatorAttention reports whether a platform rejection was caused by
// blocking or missing permissions on the destination account.
func NeedsOperatorAttention(err error) bool {
	var catErr *CategorizedError
	if !stderrors.As(err, &catErr) || catErr.Category != CategoryPlatformReject {
		return false
	}
	msg := strings.ToLower(catErr.Message)
	return strings.Contains(msg, "blocked") || strings.Contains(msg, "permission") ||
		strings.Contains(msg, "forbidden") || strings.Contains(msg, "auth")
}
