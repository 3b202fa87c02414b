// Package size caps request bodies on the API group.
package size

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crmkit/knowledge/engine/infra/server/router"
)

// BodySizeLimiter answers 413 up front when the declared Content-Length is
// over limit. Bodies without a declared length are capped while they are
// read, and decoding reports the same problem. A limit <= 0 disables it.
func BodySizeLimiter(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 || c.Request.Body == nil || c.Request.Body == http.NoBody {
			c.Next()
			return
		}
		if c.Request.ContentLength > limit {
			router.RespondBodyTooLarge(c, limit)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}
