package storage

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/3Eeeecho/go-chunkupload/internal/config"
	"github.com/3Eeeecho/go-chunkupload/internal/models"
)

// BlockStorage 块式存储：先写不可变的块拿到不透明的 blockID，
// 再按顺序提交 blockID 列表生成最终对象。MinIO / OSS / S3 均以分块上传实现。
type BlockStorage interface {
	// InitUpload 为目标对象创建分块上传会话
	InitUpload(ctx context.Context, key, contentType string) (models.UploadTarget, error)
	// PutBlock 上传一个块，同一 (target, chunkID) 重复上传会覆盖之前的块
	PutBlock(ctx context.Context, target models.UploadTarget, chunkID int, r io.Reader, size int64) (string, error)
	// CommitBlocks 按给定顺序提交块；blockIDs[i] 必须是 chunkID == i 的块
	CommitBlocks(ctx context.Context, target models.UploadTarget, blockIDs []string) error
	// AbortUpload 丢弃未提交的块
	AbortUpload(ctx context.Context, target models.UploadTarget) error
	// EnsureBucket 检查目标存储桶，不存在时创建
	EnsureBucket(ctx context.Context) error
	// Limits 返回后端对分块的限制
	Limits() BlockLimits
}

// BlockLimits 分块上传的后端限制
type BlockLimits struct {
	MinBlockSize int64 // 除最后一块外每块的最小字节数
	MaxBlocks    int   // 单个对象最多的块数
}

// S3 协议的分块限制，MinIO 与 OSS 相同
var multipartLimits = BlockLimits{
	MinBlockSize: 5 * 1024 * 1024,
	MaxBlocks:    10000,
}

// CheckPlan 校验分片计划是否满足后端限制
func CheckPlan(limits BlockLimits, fileSize, chunkSize int64) error {
	if chunkSize <= 0 {
		return fmt.Errorf("chunkSize 必须大于0")
	}
	total := (fileSize + chunkSize - 1) / chunkSize
	if limits.MaxBlocks > 0 && total > int64(limits.MaxBlocks) {
		return fmt.Errorf("分片数 %d 超过后端上限 %d", total, limits.MaxBlocks)
	}
	if total > 1 && chunkSize < limits.MinBlockSize {
		return fmt.Errorf("chunkSize %d 小于后端最小分块 %d", chunkSize, limits.MinBlockSize)
	}
	return nil
}

// ObjectKey 生成上传目标的对象名
func ObjectKey(userID, trackingID, fileName string) string {
	return path.Join("uploads", userID, trackingID, path.Base("/"+fileName))
}

// NewBlockStorage 根据配置选择存储后端
func NewBlockStorage(ctx context.Context, cfg *config.Config) (BlockStorage, error) {
	switch cfg.Storage.Type {
	case "minio":
		return NewMinIOStorage(&cfg.MinIO)
	case "aliyun_oss":
		return NewAliyunOSSStorage(&cfg.AliyunOSS)
	case "s3":
		return NewS3Storage(ctx, &cfg.S3)
	case "memory":
		return NewMemoryStorage("memory"), nil
	default:
		return nil, fmt.Errorf("invalid storageType: %q", cfg.Storage.Type)
	}
}
