package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditsync/internal/scheduler"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

// errorResponse is the body of every failed request. Sync triggers read
// success and error; the rest is for operators.
type errorResponse struct {
	Success   bool              `json:"success"`
	Error     string            `json:"error"`
	Type      string            `json:"type"`
	Errors    []ValidationError `json:"errors,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, payload)
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorResponse) {
	now := time.Now().UTC()
	if err == nil {
		return http.StatusInternalServerError, errorResponse{Error: "internal server error", Type: "internal_error", Timestamp: now}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorResponse{
			Error:     "validation error",
			Type:      "validation_error",
			Errors:    vErr.Errors,
			Timestamp: now,
		}
	}

	status, errType, message := classify(err)
	return status, errorResponse{Error: message, Type: errType, Timestamp: now}
}

// classify maps an error to its HTTP status, a stable type and the
// message returned to the caller.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, scheduler.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "Unauthorized"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden", "Not allowed"
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "validation_error", "invalid request"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, scheduler.ErrNotConfigured):
		return http.StatusServiceUnavailable, "not_configured", err.Error()
	case errors.Is(err, scheduler.ErrLedgerUnavailable):
		return http.StatusInternalServerError, "ledger_unavailable", err.Error()
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "service_unavailable", "service unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func classifyErrorForLog(err error) (string, string) {
	if asValidationErrors(err) != nil {
		return "validation_error", "invalid_request"
	}
	status, errType, _ := classify(err)
	return errType, http.StatusText(status)
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}
