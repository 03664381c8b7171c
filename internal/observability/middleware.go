package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// probe routes are polled by supervisors and log at debug level only.
var probeRoutes = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

func routeOf(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return "unmatched"
}

// RequestLogger logs one line per admin request, tagged with the port the
// request addressed when the route has one.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := routeOf(c)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case probeRoutes[route]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		if p := c.Param("name"); p != "" {
			event = event.Str("port", p)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("admin request")
	}
}

// RequestMetricsMiddleware records by route template so per-port paths do
// not explode label cardinality.
func RequestMetricsMiddleware(server string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(server, c.Request.Method, routeOf(c), c.Writer.Status(), time.Since(start))
	}
}
