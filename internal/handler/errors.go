package handler

import (
	"context"
	"errors"
	"net/http"

	"story-graph-server/internal/models"

	"github.com/labstack/echo/v4"
)

// APIError представляет стандартизированный ответ об ошибке.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeBadRequest       = "bad_request"
	codeUnauthorized     = "unauthorized"
	codeForbidden        = "forbidden"
	codeNotFound         = "not_found"
	codeChoiceNotFound   = "choice_not_found"
	codeStoryNotActive   = "story_not_active"
	codeStoryNotEnded    = "story_not_ended"
	codeGenerationFailed = "generation_failed"
	codeInvalidContent   = "invalid_content"
	codeUnavailable      = "service_unavailable"
	codeTimeout          = "timeout"
	codeInternal         = "internal_error"
)

// handleServiceError переводит ошибки сервиса в HTTP ответ.
func handleServiceError(c echo.Context, err error) error {
	var statusCode int
	var apiErr APIError

	switch {
	case errors.Is(err, models.ErrInvalidInput):
		statusCode = http.StatusBadRequest
		apiErr = APIError{Code: codeBadRequest, Message: err.Error()}
	case errors.Is(err, models.ErrForbidden):
		statusCode = http.StatusForbidden
		apiErr = APIError{Code: codeForbidden, Message: "Access to this resource is denied"}
	case errors.Is(err, models.ErrChoiceNotFound):
		statusCode = http.StatusNotFound
		apiErr = APIError{Code: codeChoiceNotFound, Message: err.Error()}
	case errors.Is(err, models.ErrNotFound):
		statusCode = http.StatusNotFound
		apiErr = APIError{Code: codeNotFound, Message: "Resource not found"}
	case errors.Is(err, models.ErrStoryNotActive):
		statusCode = http.StatusConflict
		apiErr = APIError{Code: codeStoryNotActive, Message: err.Error()}
	case errors.Is(err, models.ErrStoryNotEnded):
		statusCode = http.StatusConflict
		apiErr = APIError{Code: codeStoryNotEnded, Message: err.Error()}
	case errors.Is(err, models.ErrInvalidContent):
		statusCode = http.StatusBadGateway
		apiErr = APIError{Code: codeInvalidContent, Message: "Generated content was rejected, please retry"}
	case errors.Is(err, models.ErrGenerationFailed):
		statusCode = http.StatusBadGateway
		apiErr = APIError{Code: codeGenerationFailed, Message: "Content generation failed, please retry"}
	case errors.Is(err, models.ErrAsyncDisabled):
		statusCode = http.StatusServiceUnavailable
		apiErr = APIError{Code: codeUnavailable, Message: "Asynchronous generation is disabled"}
	case errors.Is(err, models.ErrStorage):
		statusCode = http.StatusServiceUnavailable
		apiErr = APIError{Code: codeUnavailable, Message: "Storage is temporarily unavailable"}
	case errors.Is(err, context.DeadlineExceeded):
		statusCode = http.StatusGatewayTimeout
		apiErr = APIError{Code: codeTimeout, Message: "Request timed out"}
	default:
		// ErrInvariantViolation и все неожиданное
		statusCode = http.StatusInternalServerError
		apiErr = APIError{Code: codeInternal, Message: "Internal server error"}
	}

	return c.JSON(statusCode, apiErr)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, APIError{Code: codeBadRequest, Message: msg})
}
