package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bassista/gitrecords/internal/logger"
	"github.com/gin-gonic/gin"
)

// RequestTimeout bounds the request context. Handlers are not interrupted;
// the content client and provider observe ctx.Done() on their own.
func RequestTimeout(d time.Duration) gin.HandlerFunc {
	if d <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		// Only an unwritten response can still be turned into a 504.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Writer.Written() {
			logger.WithComponent("api").Warnf("%s %s exceeded %s", c.Request.Method, c.Request.URL.Path, d)
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{
				"error": "request timeout",
			})
		}
	}
}
