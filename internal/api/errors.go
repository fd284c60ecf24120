package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/gravixrdp/yt-automation/internal/errors"
	"github.com/gravixrdp/yt-automation/internal/logging"
	"github.com/gravixrdp/yt-automation/internal/storage"
)

// ErrorBody is the error payload of an API response.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: ErrorBody{Code: code, Message: message, Details: details},
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logging.WithError(err).Warn("Failed to encode response")
		}
	}
}

// parseJSONBody parses a JSON request body. An empty body leaves v untouched.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// mapServiceError maps store and categorized errors to HTTP status codes.
func mapServiceError(err error) (int, string, string) {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound, ErrCodeNotFound, "Resource not found"
	}
	if errors.Is(err, storage.ErrUnexpectedStatus) {
		return http.StatusConflict, ErrCodeConflict, err.Error()
	}

	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		switch catErr.Category {
		case apperrors.CategoryPrecondition:
			return http.StatusBadRequest, ErrCodeInvalidInput, catErr.JobError()
		case apperrors.CategoryConflict:
			return http.StatusConflict, ErrCodeConflict, catErr.JobError()
		case apperrors.CategoryTransient:
			return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, catErr.JobError()
		}
	}

	return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
}

// respondServiceError logs err and sends its mapped response.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapServiceError(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	respondError(w, status, code, message, nil)
}
