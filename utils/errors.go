package utils

import (
	"context"
	"errors"
	"net/http"
	"unicode/utf8"

	"clinical-fhir-extractor/internal/apperrors"

	"github.com/gin-gonic/gin"
)

// StatusClientClosedRequest is the nginx convention for a caller that went away.
const StatusClientClosedRequest = 499

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	ErrorCode string      `json:"error_code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// RespondWithError sends a standardized error response
func RespondWithError(c *gin.Context, statusCode int, errorCode, message string, details interface{}) {
	c.JSON(statusCode, ErrorResponse{
		ErrorCode: errorCode,
		Message:   message,
		Details:   details,
	})
}

// RespondWithBadRequest sends a 400 Bad Request error
func RespondWithBadRequest(c *gin.Context, message string, details interface{}) {
	RespondWithError(c, http.StatusBadRequest, "bad_request", message, details)
}

// RespondWithUnauthorized sends a 401 Unauthorized error
func RespondWithUnauthorized(c *gin.Context, message string) {
	c.Header("WWW-Authenticate", "Bearer")
	RespondWithError(c, http.StatusUnauthorized, "unauthorized", message, nil)
}

// RespondWithForbidden sends a 403 Forbidden error
func RespondWithForbidden(c *gin.Context, message string) {
	RespondWithError(c, http.StatusForbidden, "forbidden", message, nil)
}

// RespondWithNotFound sends a 404 Not Found error
func RespondWithNotFound(c *gin.Context, message string) {
	RespondWithError(c, http.StatusNotFound, "not_found", message, nil)
}

// RespondWithTooManyRequests sends a 429 error
func RespondWithTooManyRequests(c *gin.Context, message string, details interface{}) {
	RespondWithError(c, http.StatusTooManyRequests, "rate_limited", message, details)
}

// RespondWithInternalError sends a 500 Internal Server Error
func RespondWithInternalError(c *gin.Context, message string, details interface{}) {
	RespondWithError(c, http.StatusInternalServerError, "internal_error", message, details)
}

// StatusForKind maps an extraction failure kind to its HTTP status.
func StatusForKind(kind apperrors.Kind) int {
	switch kind {
	case apperrors.UnsupportedFormat, apperrors.DecodeError, apperrors.NoExtractableContent:
		return http.StatusBadRequest
	case apperrors.InvalidBundle, apperrors.MalformedModelOutput:
		return http.StatusUnprocessableEntity
	case apperrors.OCRUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.EmbeddingFailure, apperrors.GenerationFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RespondWithExtractionError writes the envelope for a pipeline error. The
// error kind is the error_code; details carry the failing bundle entry or the
// raw model output where relevant.
func RespondWithExtractionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		RespondWithError(c, http.StatusGatewayTimeout, "timeout", "Extraction timed out", nil)
		return
	case errors.Is(err, context.Canceled):
		RespondWithError(c, StatusClientClosedRequest, "cancelled", "Request cancelled", nil)
		return
	}

	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		RespondWithInternalError(c, "Extraction failed", nil)
		return
	}

	var details gin.H
	switch appErr.Kind {
	case apperrors.InvalidBundle:
		details = gin.H{"field": appErr.Field}
		if appErr.EntryIndex >= 0 {
			details["entry_index"] = appErr.EntryIndex
		}
	case apperrors.MalformedModelOutput:
		details = gin.H{"raw_output": truncate(appErr.Raw, 2000)}
	}
	RespondWithError(c, StatusForKind(appErr.Kind), string(appErr.Kind), appErr.Message, details)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
