package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// TransactionIDHeader is set by conversion handlers; the request log picks
// it up so HTTP and conversion logs can be joined.
const TransactionIDHeader = "X-Transaction-ID"

// Logger writes one line per request. The error, if any, is rendered
// here so the logged status is the one the client received.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req, res := c.Request(), c.Response()
			evt := logger.WithLevel(levelFor(res.Status))
			if err != nil && res.Status >= 500 {
				evt = evt.Err(err)
			}
			if tx := res.Header().Get(TransactionIDHeader); tx != "" {
				evt = evt.Str("transaction_id", tx)
			}
			evt.Str("request_id", requestID(c)).
				Str("method", req.Method).
				Str("route", c.Path()).
				Str("path", req.URL.Path).
				Int("status", res.Status).
				Int64("bytes_in", req.ContentLength).
				Int64("bytes_out", res.Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return nil
		}
	}
}

func levelFor(status int) zerolog.Level {
	switch {
	case status >= 500:
		return zerolog.ErrorLevel
	case status >= 400:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}
