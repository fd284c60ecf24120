package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/gravixrdp/yt-automation/internal/errors"
)

// ErrorType is the platform-neutral failure kind reported by an uploader
type ErrorType string

const (
	ErrorAuth           ErrorType = "AUTH_ERROR"
	ErrorTokenExpired   ErrorType = "TOKEN_EXPIRED"
	ErrorPlatformReject ErrorType = "PLATFORM_REJECT"
	ErrorNetwork        ErrorType = "NETWORK_ERROR"
	ErrorRateLimit      ErrorType = "RATE_LIMIT"
	ErrorQuotaExceeded  ErrorType = "QUOTA_EXCEEDED"
	ErrorValidation     ErrorType = "VALIDATION_FAIL"
	ErrorUnknown        ErrorType = "UNKNOWN"
)

// UploadRequest is one file and its resolved metadata
type UploadRequest struct {
	DestinationID string   `json:"destinationId"`
	Platform      string   `json:"platform"`
	Path          string   `json:"path"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Tags          []string `json:"tags,omitempty"`
	Hashtags      []string `json:"hashtags,omitempty"`
	Category      string   `json:"category,omitempty"`
	AccessToken   string   `json:"accessToken,omitempty"`
}

// UploadResult is what a platform returned for an upload
type UploadResult struct {
	Success     bool      `json:"success"`
	UploadedURL string    `json:"uploadedUrl,omitempty"`
	PlatformID  string    `json:"platformId,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorType   ErrorType `json:"errorType,omitempty"`
	Retryable   bool      `json:"retryable"`
}

// DefaultRetryable reports whether a failure of this type is worth retrying
// when the uploader does not say
func (t ErrorType) DefaultRetryable() bool {
	switch t {
	case ErrorNetwork, ErrorRateLimit, ErrorTokenExpired, ErrorQuotaExceeded:
		return true
	}
	return false
}

// Err converts a failed result into a categorized error. It returns nil on
// success. Retryable decides between a transient error and a rejection for
// every type except QUOTA_EXCEEDED, which always defers to the quota reset.
func (r *UploadResult) Err(platform string) error {
	if r == nil {
		return apperrors.NewTransientError("upload_no_result", errors.New("uploader returned no result"))
	}
	if r.Success {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = strings.ToLower(string(r.ErrorType))
	}

	if r.ErrorType == ErrorQuotaExceeded {
		return apperrors.NewQuotaExhaustedError(platform).WithDetail("message", msg)
	}
	if r.Retryable {
		code := "upload_failed"
		switch r.ErrorType {
		case ErrorAuth, ErrorTokenExpired, ErrorNetwork, ErrorRateLimit:
			code = strings.ToLower(string(r.ErrorType))
		}
		return apperrors.NewTransientError(code, errors.New(msg))
	}

	switch r.ErrorType {
	case ErrorAuth, ErrorTokenExpired:
		return apperrors.NewPlatformRejectError(platform, "auth: "+msg)
	case ErrorValidation:
		return apperrors.NewInvalidContentError(msg)
	}
	return apperrors.NewPlatformRejectError(platform, msg)
}

// Uploader publishes a file to one platform. A non-nil error means the
// uploader could not produce a result at all; platform failures are
// reported through UploadResult.
type Uploader interface {
	// Platform returns the platform name this uploader serves
	Platform() string

	// Upload publishes req.Path with the request metadata
	Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error)
}

var (
	// ErrNoUploader indicates no uploader is registered for a platform
	ErrNoUploader = fmt.Errorf("no uploader registered")

	// ErrToolMissing indicates an external binary could not be found
	ErrToolMissing = fmt.Errorf("external tool not found")

	// ErrNoOutput indicates a tool exited cleanly without producing a file
	ErrNoOutput = fmt.Errorf("tool produced no output")
)

// AdapterError wraps errors with the platform and operation that failed
type AdapterError struct {
	Platform string
	Op       string // e.g. "acquire", "transform", "upload"
	Err      error
}

func (e *AdapterError) Error() string {
	if e.Platform == "" {
		return fmt.Sprintf("adapter error [%s]: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("adapter error [%s:%s]: %v", e.Platform, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(platform, op string, err error) *AdapterError {
	return &AdapterError{Platform: platform, Op: op, Err: err}
}
