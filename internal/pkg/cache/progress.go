package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
)

// ProgressPublisher 把进度快照写入 Redis：PUBLISH 给订阅者，同时保存最新一条供断线重连读取
type ProgressPublisher struct {
	cache *RedisCache
}

func NewProgressPublisher(c *RedisCache) *ProgressPublisher {
	return &ProgressPublisher{cache: c}
}

func (p *ProgressPublisher) Publish(ctx context.Context, trackingID string, snap models.ProgressSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("序列化进度快照失败: %w", err)
	}
	pipe := p.cache.client.Pipeline()
	pipe.Set(ctx, GenerateProgressKey(trackingID), data, ProgressTTL)
	pipe.Publish(ctx, GenerateProgressChannel(trackingID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("发布进度快照失败: %w", err)
	}
	return nil
}

// LastSnapshot 读取最近一次发布的快照，不存在时返回 ErrCacheMiss
func (p *ProgressPublisher) LastSnapshot(ctx context.Context, trackingID string) (models.ProgressSnapshot, error) {
	var snap models.ProgressSnapshot
	err := p.cache.Get(ctx, GenerateProgressKey(trackingID), &snap)
	return snap, err
}

// Subscribe 订阅某个上传的进度，调用方负责关闭返回的通道对应的订阅
func (p *ProgressPublisher) Subscribe(ctx context.Context, trackingID string) (<-chan models.ProgressSnapshot, func() error) {
	sub := p.cache.Subscribe(ctx, GenerateProgressChannel(trackingID))
	out := make(chan models.ProgressSnapshot, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var snap models.ProgressSnapshot
			if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
				continue
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close
}
