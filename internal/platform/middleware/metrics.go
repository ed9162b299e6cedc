package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/carelink/pharmacy/internal/platform/metrics"
)

// Metrics records request counts and latency by route pattern. Unmatched
// routes are folded into a single label to bound cardinality.
func Metrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			method := c.Request().Method
			m.Requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.LatencyMS.WithLabelValues(method, route).Observe(float64(time.Since(start).Microseconds()) / 1000)
			return err
		}
	}
}
