package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/cache"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/logger"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Aborter 丢弃存储后端中未提交的块
type Aborter interface {
	AbortUpload(ctx context.Context, target models.UploadTarget) error
}

// CleanupConsumer 消费取消上传后的清理任务：中止分块上传并删除暂存文件
type CleanupConsumer struct {
	client   *redis.Client
	aborter  Aborter
	consumer string
	block    time.Duration // XReadGroup 的阻塞时间，负数表示不阻塞
}

func NewCleanupConsumer(client *redis.Client, aborter Aborter, consumerName string) *CleanupConsumer {
	return &CleanupConsumer{
		client:   client,
		aborter:  aborter,
		consumer: consumerName,
		block:    5 * time.Second,
	}
}

// Start 阻塞运行直到 ctx 结束
func (c *CleanupConsumer) Start(ctx context.Context) {
	// 创建消费者组
	// "0" 表示从 Stream 的开头读取所有消息。
	c.client.XGroupCreateMkStream(ctx, cache.CleanupStream, cache.CleanupGroup, "0")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if _, err := c.consumeOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("CleanupConsumer: Failed to read from Redis Streams", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}
	}
}

// consumeOnce 读取并处理一批消息，返回成功确认的条数
func (c *CleanupConsumer) consumeOnce(ctx context.Context) (int, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    cache.CleanupGroup,
		Consumer: c.consumer,
		Streams:  []string{cache.CleanupStream, ">"}, // 从未消费的消息开始读
		Count:    10,                                 // 每次批量读取10条
		Block:    c.block,
	}).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, stream := range streams {
		for _, message := range stream.Messages {
			if err := c.process(ctx, message); err != nil {
				logger.Error("CleanupConsumer: Failed to process message", zap.String("id", message.ID), zap.Error(err))
				// 处理失败不发送 XACK，消息保留在 pending list 等待重试
				continue
			}
			// 成功处理后发送确认，告知 Redis 可以删除这条消息
			if err := c.client.XAck(ctx, cache.CleanupStream, cache.CleanupGroup, message.ID).Err(); err != nil {
				logger.Warn("CleanupConsumer: XAck failed", zap.String("id", message.ID), zap.Error(err))
				continue
			}
			acked++
		}
	}
	return acked, nil
}

func (c *CleanupConsumer) process(ctx context.Context, message redis.XMessage) error {
	var msg cache.CleanupMessage
	payload, ok := message.Values["payload"].(string)
	if !ok {
		return fmt.Errorf("invalid message payload format")
	}
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if msg.Target.UploadID != "" {
		if err := c.aborter.AbortUpload(ctx, msg.Target); err != nil {
			return fmt.Errorf("abort upload %s: %w", msg.TrackingID, err)
		}
	}
	if msg.TempFilePath != "" {
		if err := os.Remove(msg.TempFilePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove temp file: %w", err)
		}
	}

	logger.Info("CleanupConsumer: cleaned up cancelled upload",
		zap.String("tracking_id", msg.TrackingID),
		zap.String("reason", msg.Reason))
	return nil
}
