package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinic/internal/platform/apperr"
)

// Recovery turns a handler panic into an internal error. The stack is logged
// here; ErrorHandler renders the generic 500 body.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if re, ok := r.(error); ok && re == http.ErrAbortHandler {
					panic(r)
				}
				buf := make([]byte, 8<<10)
				buf = buf[:runtime.Stack(buf, false)]

				evt := logger.Error().
					Str("request_id", requestIDOf(c)).
					Str("method", c.Request().Method).
					Str("path", c.Request().URL.Path)
				if uid, ok := c.Get("user_id").(string); ok {
					evt = evt.Str("user_id", uid)
				}
				evt.Str("panic", fmt.Sprint(r)).Bytes("stack", buf).Msg("panic recovered")

				err = apperr.Internal("handler panic", fmt.Errorf("panic: %v", r))
			}()
			return next(c)
		}
	}
}
