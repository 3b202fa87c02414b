package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crmkit/knowledge/engine/core"
	"github.com/crmkit/knowledge/engine/infra/server/router"
	"github.com/crmkit/knowledge/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// LoggerMiddleware assigns a request id, scopes a logger to the request and
// logs the outcome once the handler chain returns.
func LoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = core.MustNewID().String()
			c.Request.Header.Set(requestIDHeader, requestID)
		}
		c.Header(requestIDHeader, requestID)
		reqLog := log.With("request_id", requestID)
		c.Request = c.Request.WithContext(logger.ContextWithLogger(c.Request.Context(), reqLog))
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		c.Next()
		fields := []any{
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
			"path", path,
		}
		if owner := c.GetHeader(router.OwnerHeader); owner != "" {
			fields = append(fields, "owner_id", owner)
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			fields = append(fields, "error", msg)
		}
		reqLog.Info("Request completed", fields...)
	}
}
