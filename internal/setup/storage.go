package setup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3Eeeecho/go-chunkupload/internal/config"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/logger"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/storage"
)

// InitStorage 初始化块存储后端并确保存储桶存在
func InitStorage(ctx context.Context, cfg *config.Config) (storage.BlockStorage, error) {
	bs, err := storage.NewBlockStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化存储服务失败: %w", err)
	}
	logger.Info("存储服务已选择并初始化", zap.String("type", cfg.Storage.Type))

	// 检查并创建存储桶，给网络延迟留出余量
	bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := bs.EnsureBucket(bucketCtx); err != nil {
		return nil, fmt.Errorf("检查存储桶失败: %w", err)
	}
	return bs, nil
}
