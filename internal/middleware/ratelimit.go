package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimiter returns a per-IP rate limiter whose rejections carry the CORS
// origin header, so browser callers can read the 429 instead of seeing an
// opaque network error. Preflight requests are never limited.
func RateLimiter(rps float64) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(rps))

	deny := func(c echo.Context, status int, msg string) error {
		c.Response().Header().Set("Access-Control-Allow-Origin", "*")
		return c.JSON(status, map[string]string{"error": msg})
	}

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().Method == http.MethodOptions
		},
		Store: store,
		ErrorHandler: func(c echo.Context, _ error) error {
			return deny(c, http.StatusForbidden, "unable to identify client")
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return deny(c, http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}
