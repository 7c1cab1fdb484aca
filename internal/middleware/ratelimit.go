package middleware

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"optisage-gateway/internal/config"
	"optisage-gateway/internal/model"
)

// RateLimiter returns a per-client-IP rate limiter. Rejections use the same
// JSON envelope as every other gateway error.
func RateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, model.NewEnvelope(http.StatusForbidden, "Unable to identify client"))
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			logger.Warn("rate limit exceeded", "remote_ip", identifier, "path", c.Request().URL.Path)
			return c.JSON(http.StatusTooManyRequests, model.NewEnvelope(http.StatusTooManyRequests, "Too many requests"))
		},
	})
}
