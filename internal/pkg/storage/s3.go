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
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// s3API 是 S3Storage 用到的 s3.Client 方法子集
type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

type S3Storage struct {
	client s3API
	bucket string
}

// NewS3Storage 创建 S3 存储后端，Endpoint 非空时可对接 localstack 等兼容服务
func NewS3Storage(ctx context.Context, cfg *config.S3Config) (*S3Storage, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("加载 AWS 配置失败: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("S3 客户端初始化成功", zap.String("region", cfg.Region), zap.String("bucket", cfg.BucketName))
	return newS3Storage(client, cfg.BucketName), nil
}

func newS3Storage(client s3API, bucket string) *S3Storage {
	return &S3Storage{client: client, bucket: bucket}
}

func classifyS3(err error) xerr.Kind {
	status := 0
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return classifyCode(apiErr.ErrorCode(), status)
	}
	return classifyCode("", status)
}

func (s *S3Storage) Limits() BlockLimits {
	return multipartLimits
}

func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return wrapErr("检查 S3 存储桶失败", err, classifyS3)
	}

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return wrapErr("创建 S3 存储桶失败", err, classifyS3)
	}
	logger.Info("S3 存储桶创建成功", zap.String("bucket", s.bucket))
	return nil
}

func (s *S3Storage) InitUpload(ctx context.Context, key, contentType string) (models.UploadTarget, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return models.UploadTarget{}, wrapErr("S3 初始化分块上传失败", err, classifyS3)
	}
	return models.UploadTarget{
		Backend:  "s3",
		Bucket:   s.bucket,
		Key:      key,
		UploadID: aws.ToString(out.UploadId),
	}, nil
}

func (s *S3Storage) PutBlock(ctx context.Context, target models.UploadTarget, chunkID int, r io.Reader, size int64) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(target.Bucket),
		Key:           aws.String(target.Key),
		UploadId:      aws.String(target.UploadID),
		PartNumber:    aws.Int32(int32(chunkID + 1)),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", wrapErr(fmt.Sprintf("S3 上传分块失败, part %d", chunkID+1), err, classifyS3)
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Storage) CommitBlocks(ctx context.Context, target models.UploadTarget, blockIDs []string) error {
	parts := make([]types.CompletedPart, 0, len(blockIDs))
	for i, etag := range blockIDs {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(int32(i + 1)),
		})
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(target.Bucket),
		Key:             aws.String(target.Key),
		UploadId:        aws.String(target.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return wrapErr("S3 完成分块上传失败", err, classifyS3)
	}
	return nil
}

func (s *S3Storage) AbortUpload(ctx context.Context, target models.UploadTarget) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(target.Bucket),
		Key:      aws.String(target.Key),
		UploadId: aws.String(target.UploadID),
	})
	if err != nil {
		return wrapErr("S3 中止分块上传失败", err, classifyS3)
	}
	return nil
}
