package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tally-io/tally/internal/auth"
	"github.com/tally-io/tally/internal/metric"
	"github.com/tally-io/tally/internal/metricstore"
	"github.com/tally-io/tally/internal/optimistic"
)

// Error codes returned in ErrorResponse.Error.
const (
	CodeAuthRequired = "auth_required"
	CodeNotFound     = "not_found"
	CodeInvalidInput = "invalid_input"
	CodeUnavailable  = "unavailable"
	CodePartialWrite = "partial_write"
	CodeInternal     = "internal"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// statusFor maps a domain error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	var fe *metric.FetchError
	var pw *metric.PartialWriteError
	switch {
	case errors.Is(err, metric.ErrAuthRequired), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, CodeAuthRequired
	case errors.Is(err, metric.ErrNotFoundOrForbidden), errors.Is(err, metricstore.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, metric.ErrValidation):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.As(err, &fe), errors.Is(err, optimistic.ErrClosed):
		return http.StatusServiceUnavailable, CodeUnavailable
	case errors.As(err, &pw):
		return http.StatusInternalServerError, CodePartialWrite
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: code, Message: err.Error()}

	var ve *metric.ValidationError
	if errors.As(err, &ve) {
		resp.Details = ve.Fields
	}
	if status >= http.StatusInternalServerError {
		loggerFrom(c).Errorf("request failed", map[string]any{
			"route": c.FullPath(),
			"error": err.Error(),
		})
		if code == CodeInternal {
			resp.Message = "internal server error"
		}
	}
	c.AbortWithStatusJSON(status, resp)
}

func writeBadRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: CodeInvalidInput, Message: err.Error()})
}
