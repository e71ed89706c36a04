// Package middleware provides Echo middleware for logging, metrics, rate
// limiting and response hardening.
package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from the inbound request and, just before the response is written, from the
// relayed response, and adds nosniff.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			res := c.Response()
			res.Before(func() {
				header := res.Header()
				for _, h := range hopByHopHeaders {
					header.Del(h)
				}
				header.Set("X-Content-Type-Options", "nosniff")
			})

			return next(c)
		}
	}
}
