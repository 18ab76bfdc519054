package repositories

import (
	"context"
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
)

// StateStore 上传状态的持久化与租约。
// 只有当前租约持有者可以 Save；租约过期后其他实例才能接管
type StateStore interface {
	// Create 写入新上传的初始状态，trackingID 已存在时返回 InvalidConfiguration
	Create(ctx context.Context, state *models.UploadState) error
	// Load 读取上传状态，不存在时返回 NotFound
	Load(ctx context.Context, trackingID string) (*models.UploadState, error)
	// Save 覆盖保存上传状态，state.Control.LeaseID 必须是当前租约持有者
	Save(ctx context.Context, state *models.UploadState) error
	// Delete 删除上传状态及其分片记录
	Delete(ctx context.Context, trackingID string) error

	AcquireLease(ctx context.Context, trackingID, holder string, ttl time.Duration) error
	RenewLease(ctx context.Context, trackingID, holder string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, trackingID, holder string) error

	// ListRecoverable 返回进程重启后需要继续推进的上传
	ListRecoverable(ctx context.Context) ([]string, error)
}

// recoverableStatuses 重启后需要重新调度的状态；Paused 的上传在被访问时再加载
var recoverableStatuses = []models.UploadStatus{models.StatusInitializing, models.StatusRunning}

func isRecoverable(s models.UploadStatus) bool {
	for _, r := range recoverableStatuses {
		if r == s {
			return true
		}
	}
	return false
}

// leaseHeldByOther 租约被其他持有者占用且未过期
func leaseHeldByOther(current, holder string, expiresAt *time.Time, now time.Time) bool {
	if current == "" || current == holder {
		return false
	}
	return expiresAt != nil && now.Before(*expiresAt)
}

func errLeaseConflict(trackingID, holder string) error {
	return xerr.New(xerr.KindLeaseConflict, "上传 %s 的租约不属于 %s", trackingID, holder)
}

func errNotFound(trackingID string) error {
	return xerr.New(xerr.KindNotFound, "上传 %s 不存在", trackingID)
}
