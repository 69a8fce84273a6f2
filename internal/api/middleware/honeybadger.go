package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	honeybadger "github.com/honeybadger-io/honeybadger-go"
	"github.com/sirupsen/logrus"
)

// HoneybadgerMiddleware reports panics and error responses to Honeybadger.
// Panics are re-raised so gin.Recovery still writes the 500. With an empty
// apiKey the middleware is a pass-through.
func HoneybadgerMiddleware(logger *logrus.Logger, apiKey, env string) gin.HandlerFunc {
	if apiKey == "" {
		logger.Info("Honeybadger is not active. Set misc.honeybadger_api_key to enable error reporting.")
		return func(c *gin.Context) {
			c.Next()
		}
	}

	honeybadger.Configure(honeybadger.Configuration{
		APIKey: apiKey,
		Env:    env,
	})
	logger.Info("Honeybadger error reporting is enabled.")

	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				honeybadger.Notify(fmt.Sprintf("Panic: %s %s", c.Request.Method, c.Request.URL.Path),
					c.Request, honeybadger.Context{"stack": string(debug.Stack())}, honeybadger.Tags{"panic", "http"})
				logger.Error("Recovered from panic, notified Honeybadger: ", rec)
				panic(rec)
			}
		}()

		c.Next()

		status := c.Writer.Status()
		// 401 and 404 are routine for an API behind webhooks and id lookups.
		if status < 400 || status == 401 || status == 404 {
			return
		}
		tags := honeybadger.Tags{"4XX", "http"}
		kind := "Warning"
		if status >= 500 {
			tags = honeybadger.Tags{"5XX", "http"}
			kind = "Error"
		}
		ctx := honeybadger.Context{"entity": c.Param("entity"), "errors": c.Errors.String()}
		honeybadger.Notify(fmt.Sprintf("%s: HTTP %d: %s %s", kind, status, c.Request.Method, c.Request.URL.Path), c.Request, ctx, tags)
		logger.Warnf("Honeybadger reported HTTP %d for %s %s", status, c.Request.Method, c.Request.URL.Path)
	}
}
