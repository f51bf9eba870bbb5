package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinic/internal/platform/apperr"
)

// ErrorHandler renders handler errors as {"error": msg} or, for field
// validation failures, {"errors": {field: [msg]}}. Causes of internal and
// dependency errors are logged, never returned.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := render(err)
		if status >= 500 {
			logger.Error().Err(err).
				Str("request_id", requestIDOf(c)).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", status).
				Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}

// StatusFor returns the status ErrorHandler would send for err.
func StatusFor(err error) int {
	status, _ := render(err)
	return status
}

func render(err error) (int, map[string]interface{}) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		status := ae.HTTPStatus()
		switch {
		case len(ae.Fields) > 0:
			return status, map[string]interface{}{"errors": ae.Fields}
		case ae.Kind == apperr.KindInternal:
			return status, map[string]interface{}{"error": "internal server error"}
		default:
			return status, map[string]interface{}{"error": ae.Message}
		}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		switch m := he.Message.(type) {
		case string:
			msg = m
		case error:
			msg = m.Error()
		case nil:
		default:
			msg = fmt.Sprintf("%v", m)
		}
		if he.Code >= 500 {
			msg = "internal server error"
		}
		return he.Code, map[string]interface{}{"error": msg}
	}

	return http.StatusInternalServerError, map[string]interface{}{"error": "internal server error"}
}
