package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AdminRequests logs and counts every admin request under the route template, so
// /status and /metrics stay single series regardless of query strings.
func AdminRequests(node string, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		began := time.Now()
		c.Next()
		took := time.Since(began)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		RecordHTTPRequest(node, c.Request.Method, route, code, took)

		var ev *zerolog.Event
		switch {
		case code >= 500:
			ev = logger.Error()
		case code >= 400:
			ev = logger.Warn()
		default:
			ev = logger.Debug()
		}
		ev.Str("node", node).
			Str("route", route).
			Str("method", c.Request.Method).
			Int("code", code).
			Dur("took", took).
			Str("peer", c.ClientIP()).
			Msg("observability.AdminRequests served")
	}
}
