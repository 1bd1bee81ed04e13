package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery converts a panic in a handler into a 500 so the error handler
// can answer with an OperationOutcome. The stack goes to the log only.
// http.ErrAbortHandler is re-raised so the server aborts the response.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				perr, ok := r.(error)
				if !ok {
					perr = fmt.Errorf("%v", r)
				}
				logger.Error().
					Err(perr).
					Str("request_id", requestID(c)).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")

				he := echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				err = he.SetInternal(errors.Join(errPanic, perr))
			}()
			return next(c)
		}
	}
}

var errPanic = errors.New("recovered panic")
