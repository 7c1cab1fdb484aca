package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"optisage-gateway/internal/metrics"
)

// MetricsMiddleware records count, latency and in-flight requests labelled by
// route pattern, so scan ids never become label values. Scrapes of
// scrapePath are not recorded.
func MetricsMiddleware(m *metrics.Metrics, scrapePath string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if scrapePath != "" && c.Request().URL.Path == scrapePath {
				return next(c)
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()
			start := time.Now()

			err := next(c)

			labels := prometheus.Labels{
				"method":      metrics.NormalizeMethod(c.Request().Method),
				"status_code": strconv.Itoa(responseStatus(c, err)),
				"route":       metrics.RouteLabel(c.Path()),
			}
			m.RequestsTotal.With(labels).Inc()
			m.RequestDuration.With(labels).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
