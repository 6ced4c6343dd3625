package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/stake-plus/hayes/src/api/handlers"
	"github.com/stake-plus/hayes/src/api/middleware"
	"github.com/stake-plus/hayes/src/modules/core"
)

// Attach registers the admin routes on r. db may be nil. Authenticated
// callers get rate requests per minute; zero disables the limit.
func Attach(r *gin.Engine, loader *core.Loader, db *gorm.DB, secret []byte, origins []string, rate int) {
	if len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
		}))
	}

	modH := handlers.Modules{Loader: loader, DB: db}
	r.GET("/healthz", modH.Health)

	v1 := r.Group("/v1")
	v1.Use(middleware.JWT(secret))
	if rate > 0 {
		v1.Use(middleware.RateLimit(middleware.NewRateLimiter(rate, time.Minute)))
	}
	{
		v1.GET("/modules", modH.List)
		v1.GET("/modules/:name/commands", modH.Commands)
		v1.POST("/modules/:name", modH.Hook)
		v1.POST("/modules/:name/reload", modH.Reload)
		v1.DELETE("/modules/:name", modH.Unhook)
		v1.GET("/plugins", modH.Plugins)
		v1.GET("/events", modH.Events)
	}
}
