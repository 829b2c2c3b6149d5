package middleware

import (
	"time"

	"relaycast/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequestLoggerMiddleware logs every HTTP request through the context logger.
func RequestLoggerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		cl.LogRequest(
			c.Request.Context(),
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			time.Since(start).Milliseconds(),
		)
	}
}
