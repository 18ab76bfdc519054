package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/3Eeeecho/go-chunkupload/internal/config"
	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/logger"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"go.uber.org/zap"
)

type AliyunOSSStorage struct {
	client *oss.Client
	cfg    *config.AliyunOSSConfig // 阿里云OSS的配置信息
}

// NewAliyunOSSStorage 创建并返回一个 AliyunOSSStorage 实例
func NewAliyunOSSStorage(cfg *config.AliyunOSSConfig) (*AliyunOSSStorage, error) {
	// OSS Endpoint 应该包含 http:// 或 https:// 前缀
	ossClient, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		logger.Error("初始化阿里云OSS客户端失败", zap.Error(err))
		return nil, fmt.Errorf("无法初始化阿里云OSS客户端: %w", err)
	}
	logger.Info("阿里云OSS客户端初始化成功", zap.String("endpoint", cfg.Endpoint))
	return &AliyunOSSStorage{
		client: ossClient,
		cfg:    cfg,
	}, nil
}

func classifyOSS(err error) xerr.Kind {
	var se oss.ServiceError
	if errors.As(err, &se) {
		return classifyCode(se.Code, se.StatusCode)
	}
	var sep *oss.ServiceError
	if errors.As(err, &sep) {
		return classifyCode(sep.Code, sep.StatusCode)
	}
	return xerr.KindTransientIO
}

// imur 由持久化的 target 还原 OSS 的分块上传句柄
func imur(target models.UploadTarget) oss.InitiateMultipartUploadResult {
	return oss.InitiateMultipartUploadResult{
		Bucket:   target.Bucket,
		Key:      target.Key,
		UploadID: target.UploadID,
	}
}

func (s *AliyunOSSStorage) Limits() BlockLimits {
	return BlockLimits{MinBlockSize: 100 * 1024, MaxBlocks: multipartLimits.MaxBlocks}
}

func (s *AliyunOSSStorage) EnsureBucket(ctx context.Context) error {
	found, err := s.client.IsBucketExist(s.cfg.BucketName)
	if err != nil {
		return wrapErr("检查阿里云OSS存储桶存在性失败", err, classifyOSS)
	}
	if found {
		return nil
	}
	err = s.client.CreateBucket(s.cfg.BucketName)
	if err != nil {
		if ossErr, ok := err.(oss.ServiceError); ok && (ossErr.Code == "BucketAlreadyExists" || ossErr.Code == "BucketAlreadyOwnedByYou") {
			logger.Info("阿里云OSS存储桶已存在，无需创建", zap.String("bucket", s.cfg.BucketName))
			return nil
		}
		return wrapErr("创建阿里云OSS存储桶失败", err, classifyOSS)
	}
	logger.Info("阿里云OSS存储桶创建成功", zap.String("bucket", s.cfg.BucketName))
	return nil
}

func (s *AliyunOSSStorage) bucket(name string) (*oss.Bucket, error) {
	bucket, err := s.client.Bucket(name)
	if err != nil {
		return nil, wrapErr("获取OSS存储桶失败", err, classifyOSS)
	}
	return bucket, nil
}

func (s *AliyunOSSStorage) InitUpload(ctx context.Context, key, contentType string) (models.UploadTarget, error) {
	bucket, err := s.bucket(s.cfg.BucketName)
	if err != nil {
		return models.UploadTarget{}, err
	}
	res, err := bucket.InitiateMultipartUpload(key, oss.ContentType(contentType), oss.WithContext(ctx))
	if err != nil {
		return models.UploadTarget{}, wrapErr("阿里云OSS初始化分块上传失败", err, classifyOSS)
	}
	return models.UploadTarget{
		Backend:  "aliyun_oss",
		Bucket:   res.Bucket,
		Key:      res.Key,
		UploadID: res.UploadID,
	}, nil
}

func (s *AliyunOSSStorage) PutBlock(ctx context.Context, target models.UploadTarget, chunkID int, r io.Reader, size int64) (string, error) {
	bucket, err := s.bucket(target.Bucket)
	if err != nil {
		return "", err
	}
	part, err := bucket.UploadPart(imur(target), r, size, chunkID+1, oss.WithContext(ctx))
	if err != nil {
		return "", wrapErr(fmt.Sprintf("阿里云OSS上传分块失败, part %d", chunkID+1), err, classifyOSS)
	}
	return part.ETag, nil
}

func (s *AliyunOSSStorage) CommitBlocks(ctx context.Context, target models.UploadTarget, blockIDs []string) error {
	bucket, err := s.bucket(target.Bucket)
	if err != nil {
		return err
	}
	parts := make([]oss.UploadPart, 0, len(blockIDs))
	for i, etag := range blockIDs {
		parts = append(parts, oss.UploadPart{PartNumber: i + 1, ETag: etag})
	}
	if _, err := bucket.CompleteMultipartUpload(imur(target), parts, oss.WithContext(ctx)); err != nil {
		return wrapErr("阿里云OSS完成分块上传失败", err, classifyOSS)
	}
	return nil
}

func (s *AliyunOSSStorage) AbortUpload(ctx context.Context, target models.UploadTarget) error {
	bucket, err := s.bucket(target.Bucket)
	if err != nil {
		return err
	}
	if err := bucket.AbortMultipartUpload(imur(target), oss.WithContext(ctx)); err != nil {
		return wrapErr("阿里云OSS中止分块上传失败", err, classifyOSS)
	}
	return nil
}
