package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/config"
	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/cache"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/cache/consumer"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/history"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/logger"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/metrics"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/progress"
	"github.com/3Eeeecho/go-chunkupload/internal/repositories"
	"github.com/3Eeeecho/go-chunkupload/internal/router"
	"github.com/3Eeeecho/go-chunkupload/internal/services/upload"
	"github.com/3Eeeecho/go-chunkupload/internal/setup"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

type Server struct {
	router          *gin.Engine
	httpServer      *http.Server
	uploadService   upload.UploadService
	redisClient     *redis.Client
	cleanupConsumer *consumer.CleanupConsumer
	closeStore      func()
	leaseTTL        time.Duration
}

// NewServer 负责构建所有依赖
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	// 上传状态持久化
	store, closeStore, err := setup.InitStateStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}

	bs, err := setup.InitStorage(ctx, cfg)
	if err != nil {
		closeStore()
		return nil, err
	}

	redisClient, err := setup.InitRedis(ctx, &cfg.Redis)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	esClient, err := setup.InitElasticsearchClient(&cfg.Elasticsearch)
	if err != nil {
		setup.CloseRedis(redisClient)
		closeStore()
		return nil, fmt.Errorf("failed to initialize Elasticsearch: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = "uploader"
	}

	hub := progress.NewHub()
	publishers := progress.Multi{hub}
	subscribe := hub.Source()
	deps := upload.ServiceDeps{
		Store:   store,
		Storage: bs,
		Metrics: metrics.New(reg),
		Config:  cfg,
		NodeID:  nodeID,
	}

	var cleanupConsumer *consumer.CleanupConsumer
	if redisClient != nil {
		// 多实例部署时进度经 Redis 广播，任意实例都能提供 SSE
		redisCache := cache.NewRedisCache(redisClient)
		redisProgress := cache.NewProgressPublisher(redisCache)
		publishers = append(publishers, redisProgress)
		subscribe = func(ctx context.Context, trackingID string) (<-chan models.ProgressSnapshot, func()) {
			ch, closeFn := redisProgress.Subscribe(ctx, trackingID)
			return ch, func() { _ = closeFn() }
		}
		deps.Store = repositories.NewCachedStateStore(store, redisCache)
		deps.Cleanup = redisCache
		cleanupConsumer = consumer.NewCleanupConsumer(redisClient, bs, nodeID)
	}
	deps.Publisher = publishers
	if esClient != nil {
		deps.History = history.NewIndexer(esClient, cfg.Elasticsearch.Index)
	}

	uploadService := upload.NewUploadService(deps)

	// 初始化 Gin 引擎和注册路由
	engine := router.InitRouter(router.NewRouterConfig(uploadService, subscribe, reg, cfg))

	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		router:          engine,
		httpServer:      httpServer,
		uploadService:   uploadService,
		redisClient:     redisClient,
		cleanupConsumer: cleanupConsumer,
		closeStore:      closeStore,
		leaseTTL:        cfg.Lease.TTL,
	}, nil
}

// Run 接管未完成的上传、启动 HTTP 服务器和清理消费者，并处理优雅关机
func (s *Server) Run(ctx context.Context, stopChan chan os.Signal) {
	defer s.closeStore()
	defer setup.CloseRedis(s.redisClient)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.recover(ctx)

	// 上一个进程崩溃时留下的租约要等过期后才能接管，过期后再扫描一次
	recoverCtx, stopRecover := context.WithCancel(ctx)
	recoverDone := make(chan struct{})
	go func() {
		defer close(recoverDone)
		select {
		case <-time.After(s.leaseTTL):
			s.recover(recoverCtx)
		case <-recoverCtx.Done():
		}
	}()

	if s.cleanupConsumer != nil {
		go s.cleanupConsumer.Start(ctx)
	}

	// 启动 HTTP 服务器
	go func() {
		logger.Info("Server is running", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// 等待停止信号
	select {
	case <-stopChan:
	case <-ctx.Done():
	}
	logger.Info("Shutting down server...")

	// 优雅关机：先停止接收请求，再停止上传会话并释放租约
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	stopRecover()
	<-recoverDone
	if err := s.uploadService.Shutdown(shutdownCtx); err != nil {
		logger.Error("Upload sessions did not stop in time", zap.Error(err))
	}
	cancel()
	logger.Info("Server exited gracefully")
}

func (s *Server) recover(ctx context.Context) {
	if n, err := s.uploadService.Recover(ctx); err != nil {
		logger.Error("Recover: 接管未完成的上传失败", zap.Error(err))
	} else if n > 0 {
		logger.Info("Recover: 已恢复上传", zap.Int("count", n))
	}
}
