package storage

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/3Eeeecho/go-chunkupload/internal/config"
	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/logger"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type MinIOStorage struct {
	core *minio.Core
	cfg  *config.MinIOConfig // MinIO的配置信息
}

// NewMinIOStorage 创建并返回一个 MinIOStorage 实例
func NewMinIOStorage(cfg *config.MinIOConfig) (*MinIOStorage, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	}

	minioCore, err := minio.NewCore(cfg.Endpoint, opts)
	if err != nil {
		logger.Error("初始化 MinIO Core 失败", zap.Error(err))
		return nil, fmt.Errorf("无法初始化 MinIO Core: %w", err)
	}

	logger.Info("MinIO Core 初始化成功", zap.String("endpoint", cfg.Endpoint))
	return &MinIOStorage{
		core: minioCore,
		cfg:  cfg,
	}, nil
}

func classifyMinIO(err error) xerr.Kind {
	resp := minio.ToErrorResponse(err)
	return classifyCode(resp.Code, resp.StatusCode)
}

func (s *MinIOStorage) Limits() BlockLimits {
	return multipartLimits
}

func (s *MinIOStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.core.BucketExists(ctx, s.cfg.BucketName)
	if err != nil {
		return wrapErr("检查 MinIO 存储桶存在性失败", err, classifyMinIO)
	}
	if exists {
		logger.Info("MinIO 存储桶已存在", zap.String("bucket", s.cfg.BucketName))
		return nil
	}
	if err := s.core.MakeBucket(ctx, s.cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
		// 并发创建时桶可能已被其他实例创建
		if resp := minio.ToErrorResponse(err); resp.Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return wrapErr("创建 MinIO 存储桶失败", err, classifyMinIO)
	}
	logger.Info("MinIO 存储桶创建成功", zap.String("bucket", s.cfg.BucketName))
	return nil
}

func (s *MinIOStorage) InitUpload(ctx context.Context, key, contentType string) (models.UploadTarget, error) {
	uploadID, err := s.core.NewMultipartUpload(ctx, s.cfg.BucketName, key, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return models.UploadTarget{}, wrapErr("MinIO 初始化分块上传失败", err, classifyMinIO)
	}
	return models.UploadTarget{
		Backend:  "minio",
		Bucket:   s.cfg.BucketName,
		Key:      key,
		UploadID: uploadID,
	}, nil
}

// PutBlock 分片 i 对应 part number i+1
func (s *MinIOStorage) PutBlock(ctx context.Context, target models.UploadTarget, chunkID int, r io.Reader, size int64) (string, error) {
	part, err := s.core.PutObjectPart(ctx, target.Bucket, target.Key, target.UploadID, chunkID+1, r, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", wrapErr("MinIO 上传分块失败, part "+strconv.Itoa(chunkID+1), err, classifyMinIO)
	}
	return part.ETag, nil
}

func (s *MinIOStorage) CommitBlocks(ctx context.Context, target models.UploadTarget, blockIDs []string) error {
	parts := make([]minio.CompletePart, 0, len(blockIDs))
	for i, etag := range blockIDs {
		parts = append(parts, minio.CompletePart{
			PartNumber: i + 1,
			ETag:       etag,
		})
	}

	if _, err := s.core.CompleteMultipartUpload(ctx, target.Bucket, target.Key, target.UploadID, parts, minio.PutObjectOptions{}); err != nil {
		return wrapErr("MinIO 完成分块上传失败", err, classifyMinIO)
	}
	return nil
}

func (s *MinIOStorage) AbortUpload(ctx context.Context, target models.UploadTarget) error {
	if err := s.core.AbortMultipartUpload(ctx, target.Bucket, target.Key, target.UploadID); err != nil {
		return wrapErr("MinIO 中止分块上传失败", err, classifyMinIO)
	}
	return nil
}
