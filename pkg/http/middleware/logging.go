package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"UpDownTrader/pkg/logger"
)

// RequestLogging logs every control-plane request. Mutations are operator actions and
// are logged at info; reads only at debug.
func RequestLogging(l *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := []logger.Field{
				logger.String("method", req.Method),
				logger.String("route", c.Path()),
				logger.String("uri", req.RequestURI),
				logger.String("remote", c.RealIP()),
				logger.Int("status", c.Response().Status),
				logger.Duration("latency", time.Since(start)),
			}
			switch {
			case c.Response().Status >= 500:
				l.Error("http request", fields...)
			case req.Method == http.MethodGet || req.Method == http.MethodHead:
				l.Debug("http request", fields...)
			default:
				l.Info("http request", fields...)
			}
			return nil
		}
	}
}
