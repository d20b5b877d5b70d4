// Package middleware provides Echo middleware for access logging, metrics and
// rate limiting on the proxy listener.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that writes one access log line
// per request with slog. Failures are reported by the handlers themselves;
// this line is always Info.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			logger.Info("request",
				"method", req.Method,
				"path", req.URL.EscapedPath(),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", requestID(req.Header, res.Header()),
				"remote_ip", c.RealIP(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			)

			return err
		}
	}
}

// requestID prefers the caller's X-Request-Id. The proxy listener never sets
// one on the response, so the response header only helps on the admin side.
func requestID(req, res http.Header) string {
	if id := req.Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return res.Get(echo.HeaderXRequestID)
}
