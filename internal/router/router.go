package router

import (
	"net/http"

	"github.com/3Eeeecho/go-chunkupload/internal/config"
	"github.com/3Eeeecho/go-chunkupload/internal/handlers"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/progress"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
	"github.com/3Eeeecho/go-chunkupload/internal/services/upload"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig 包含初始化路由所需的所有依赖
type RouterConfig struct {
	uploadService upload.UploadService
	subscribe     progress.SubscribeFunc
	gatherer      prometheus.Gatherer
	cfg           *config.Config
}

func NewRouterConfig(uploadService upload.UploadService, subscribe progress.SubscribeFunc, gatherer prometheus.Gatherer, cfg *config.Config) *RouterConfig {
	return &RouterConfig{
		uploadService: uploadService,
		subscribe:     subscribe,
		gatherer:      gatherer,
		cfg:           cfg,
	}
}

func InitRouter(routerCfg *RouterConfig) *gin.Engine {
	if routerCfg.cfg.Server.Mode != "" {
		gin.SetMode(routerCfg.cfg.Server.Mode)
	}

	router := gin.Default() // 使用默认的 Gin 引擎，包含 Logger 和 Recovery 中间件

	// Health Check 路由
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	if routerCfg.cfg.Metrics.Enabled && routerCfg.gatherer != nil {
		path := routerCfg.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(promhttp.HandlerFor(routerCfg.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	{
		uploadGroup := v1.Group("/uploads")
		{
			svc := routerCfg.uploadService

			uploadGroup.POST("", handlers.StartUploadHandler(svc, routerCfg.cfg.Storage.TempDir))
			uploadGroup.GET("/history", handlers.UploadHistoryHandler(svc))
			uploadGroup.GET("/:id", handlers.GetUploadStatusHandler(svc))
			uploadGroup.GET("/:id/events", handlers.UploadEventsHandler(svc, routerCfg.subscribe))
			uploadGroup.POST("/:id/pause", handlers.PauseUploadHandler(svc))
			uploadGroup.POST("/:id/resume", handlers.ResumeUploadHandler(svc))
			uploadGroup.POST("/:id/cancel", handlers.CancelUploadHandler(svc))
			uploadGroup.POST("/:id/retry", handlers.RetryUploadHandler(svc))
		}
	}

	router.NoRoute(func(c *gin.Context) {
		xerr.Error(c, http.StatusNotFound, xerr.NotFoundCode, "Route not found")
	})

	return router
}
