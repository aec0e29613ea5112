package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/1ureka/telecall/internal/util"
)

const headerRequestID = "X-Request-Id"

// RequestLogger tags each request with an id and logs a one-line summary.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		if len(c.Errors) > 0 || status >= 500 {
			util.LogWarning("http: [%s] %s %s %d %s %s", util.ShortID(rid), c.Request.Method, path, status, time.Since(start).Round(time.Millisecond), c.Errors.String())
			return
		}
		util.LogDebug("http: [%s] %s %s %d %s", util.ShortID(rid), c.Request.Method, path, status, time.Since(start).Round(time.Millisecond))
	}
}
