package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger attaches a request-scoped logger to the request context, so that
// zerolog.Ctx in services carries the request id, and logs the outcome of
// each request once it completes.
func Logger(base zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			began := time.Now()
			l := base.With().Str("request_id", requestID(c)).Logger()
			req := c.Request()
			c.SetRequest(req.WithContext(l.WithContext(req.Context())))

			err := next(c)
			if err != nil {
				// Let echo write the response now so the logged status is final.
				c.Error(err)
			}

			var evt *zerolog.Event
			switch status := c.Response().Status; {
			case status >= 500:
				evt = l.Error().Err(err)
			case status >= 400:
				evt = l.Warn().Err(err)
			default:
				evt = l.Info()
			}
			evt.Str("method", req.Method).
				Str("route", c.Path()).
				Int("status", c.Response().Status).
				Int64("bytes", c.Response().Size).
				Dur("took", time.Since(began)).
				Str("ip", c.RealIP()).
				Msg("handled")
			return nil
		}
	}
}
