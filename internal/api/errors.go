package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/bizflow/pkg/schema"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error      string         `json:"error"`
	Code       string         `json:"code,omitempty"`
	Step       string         `json:"step,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// runError carries the instance a failed run left behind.
type runError struct {
	instanceID string
	err        error
}

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

// statusFor maps a FlowError code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodePrecondition, schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeIncompleteTasks, schema.ErrCodeVerification:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := errorBody{Error: err.Error()}

		var he *echo.HTTPError
		var fe *schema.FlowError
		switch {
		case errors.As(err, &he):
			status = he.Code
			if msg, ok := he.Message.(string); ok {
				body.Error = msg
			}
		case errors.As(err, &fe):
			status = statusFor(fe.Code)
			body.Code = fe.Code
			body.Step = fe.StepID
			body.Details = fe.Details
		}

		var re *runError
		if errors.As(err, &re) {
			body.InstanceID = re.instanceID
		}

		if status >= http.StatusInternalServerError {
			logger.ErrorContext(c.Request().Context(), "request failed", "path", c.Path(), "error", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error("write error response", "error", err)
		}
	}
}
