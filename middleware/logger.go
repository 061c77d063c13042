package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/kapublish/internal/metrics"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request and feeds the request metrics.
func RequestLogger(log *zap.SugaredLogger, m metrics.Metrics) gin.HandlerFunc {
	if m == nil {
		m = metrics.Noop{}
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		latency := time.Since(start)
		m.ObserveRequest(c.Request.Method, route, strconv.Itoa(status), latency.Seconds())

		fields := []any{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"latency", latency,
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "error", c.Errors.Last().Error())
		}

		switch {
		case status >= 500:
			log.Warnw("request", fields...)
		default:
			log.Debugw("request", fields...)
		}
	}
}
