package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/go-redis/redis/v8"
)

// 缓存通用接口
type Cache interface {
	// Set在缓存中设置一个值，并指定过期时间。
	// value应该是一个可以被JSON封送的结构体或指向结构体的指针。
	Set(ctx context.Context, key string, value any, expiration time.Duration) error

	// Get从缓存中检索一个值，并将其解编组到目标接口。
	// target应该是一个指针，指向希望解编组成的类型。
	Get(ctx context.Context, key string, target any) error

	// 删除一个或多个key
	Del(ctx context.Context, keys ...string) error

	// 发布订阅，用于进度推送
	Publish(ctx context.Context, channel string, message any) error
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

const (
	// CleanupStream 取消上传后的清理任务流
	CleanupStream = "upload_cleanup"
	CleanupGroup  = "upload_cleanup_group"

	// 最新进度快照的保留时间
	ProgressTTL = 24 * time.Hour

	// 上传状态缓存，写入时直接失效
	StateTTL         = time.Minute
	StateNotFoundTTL = 10 * time.Second
)

// CleanupMessage 取消上传后需要异步清理的资源
type CleanupMessage struct {
	TrackingID   string              `json:"tracking_id"`
	Target       models.UploadTarget `json:"target"`
	TempFilePath string              `json:"temp_file_path"`
	Reason       string              `json:"reason"`
	CreatedAt    time.Time           `json:"created_at"`
}

func GenerateStateKey(trackingID string) string {
	return fmt.Sprintf("upload:state:%s", trackingID)
}

func GenerateProgressChannel(trackingID string) string {
	return fmt.Sprintf("upload:progress:%s", trackingID)
}

func GenerateProgressKey(trackingID string) string {
	return fmt.Sprintf("upload:progress:last:%s", trackingID)
}
