package route

import (
	"net/http"

	"github.com/bassista/gitrecords/internal/api/controller"
	"github.com/bassista/gitrecords/internal/api/middleware"
	"github.com/bassista/gitrecords/internal/app"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// SetupRoutes builds the engine serving the entity API, the GitHub webhook,
// health and metrics.
func SetupRoutes(appCtx *app.App, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middleware.HoneybadgerMiddleware(logger, appCtx.Config.Misc.HoneybadgerAPIKey, appCtx.Config.Misc.Environment))
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware(appCtx.Config.Server.CORSAllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "UP",
			"backend": appCtx.Config.Storage.Backend,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	NewEntityRouter(appCtx, r.Group("/api"))
	NewWebhookRouter(appCtx, r.Group("/webhooks"))

	return r
}

func NewEntityRouter(appCtx *app.App, group *gin.RouterGroup) {
	group.Use(middleware.RequestTimeout(appCtx.Config.Server.RequestTimeout))
	controller.NewEntityController(appCtx.Provider).RegisterRoutes(group)
}

func NewWebhookRouter(appCtx *app.App, group *gin.RouterGroup) {
	wc := controller.NewWebhookController(appCtx.Invalidator)
	group.POST("/github", middleware.RequestTimeout(appCtx.Config.Server.RequestTimeout), wc.Receive)
}
