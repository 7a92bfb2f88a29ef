package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/DanielKusyDev/posthog-session-insights/internal/repositories"
	"github.com/DanielKusyDev/posthog-session-insights/internal/services"
)

// ErrorResponse defines the structure of an error response
type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// APIError represents an API error
type APIError struct {
	Message    string
	StatusCode int
	Code       string
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// Common API errors
var (
	ErrInvalidRequest = &APIError{Message: "Invalid request", StatusCode: http.StatusBadRequest, Code: "INVALID_REQUEST"}
	ErrNotFound       = &APIError{Message: "Resource not found", StatusCode: http.StatusNotFound, Code: "NOT_FOUND"}
	ErrInternalServer = &APIError{Message: "Internal server error", StatusCode: http.StatusInternalServerError, Code: "INTERNAL_ERROR"}
)

// NewValidationError creates a validation error with a custom message
func NewValidationError(message string) *APIError {
	return &APIError{Message: message, StatusCode: http.StatusBadRequest, Code: "VALIDATION_ERROR"}
}

// toAPIError maps service and repository errors onto API errors
func toAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repositories.ErrNotReplayable):
		return &APIError{Message: err.Error(), StatusCode: http.StatusConflict, Code: "NOT_REPLAYABLE"}
	case errors.Is(err, services.ErrInvalidPayload),
		errors.Is(err, services.ErrInvalidStatus),
		errors.Is(err, services.ErrInvalidUserID):
		return NewValidationError(err.Error())
	}
	return nil
}

// WriteError writes an error response
func WriteError(c *gin.Context, err error) {
	if apiErr := toAPIError(err); apiErr != nil {
		c.JSON(apiErr.StatusCode, ErrorResponse{Message: apiErr.Message, Code: apiErr.Code})
		return
	}

	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Unhandled error")
	c.JSON(ErrInternalServer.StatusCode, ErrorResponse{Message: ErrInternalServer.Message, Code: ErrInternalServer.Code})
}
