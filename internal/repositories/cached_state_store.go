package repositories

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/cache"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/logger"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
	"go.uber.org/zap"
)

// cachedState 缓存条目，NotFound 用于缓存不存在的上传
type cachedState struct {
	NotFound bool                `json:"not_found,omitempty"`
	State    *models.UploadState `json:"state,omitempty"`
}

// CachedStateStore 在 StateStore 前加一层 Redis 读缓存，主要服务于未被本实例接管的上传的状态查询
type CachedStateStore struct {
	next  StateStore
	cache cache.Cache
}

func NewCachedStateStore(next StateStore, c cache.Cache) *CachedStateStore {
	return &CachedStateStore{next: next, cache: c}
}

var _ StateStore = (*CachedStateStore)(nil)

func stateTTL() time.Duration {
	return cache.StateTTL + time.Duration(rand.Intn(10))*time.Second
}

func (r *CachedStateStore) Create(ctx context.Context, state *models.UploadState) error {
	if err := r.next.Create(ctx, state); err != nil {
		return err
	}
	r.invalidate(ctx, state.TrackingID(), "Create")
	return nil
}

func (r *CachedStateStore) Load(ctx context.Context, trackingID string) (*models.UploadState, error) {
	key := cache.GenerateStateKey(trackingID)

	var entry cachedState
	err := r.cache.Get(ctx, key, &entry)
	if err == nil {
		if entry.NotFound {
			return nil, errNotFound(trackingID)
		}
		if entry.State != nil {
			return entry.State, nil
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		logger.Error("Load: 读取上传状态缓存失败", zap.String("tracking_id", trackingID), zap.Error(err))
	}

	// 缓存未命中，读取底层存储
	state, err := r.next.Load(ctx, trackingID)
	if err != nil {
		if xerr.KindOf(err) == xerr.KindNotFound {
			if setErr := r.cache.Set(ctx, key, cachedState{NotFound: true}, cache.StateNotFoundTTL); setErr != nil {
				logger.Warn("Load: 缓存不存在标记失败", zap.String("tracking_id", trackingID), zap.Error(setErr))
			}
		}
		return nil, err
	}
	if setErr := r.cache.Set(ctx, key, cachedState{State: state}, stateTTL()); setErr != nil {
		logger.Warn("Load: 写入上传状态缓存失败", zap.String("tracking_id", trackingID), zap.Error(setErr))
	}
	return state, nil
}

func (r *CachedStateStore) Save(ctx context.Context, state *models.UploadState) error {
	if err := r.next.Save(ctx, state); err != nil {
		return err
	}
	r.invalidate(ctx, state.TrackingID(), "Save")
	return nil
}

func (r *CachedStateStore) Delete(ctx context.Context, trackingID string) error {
	if err := r.next.Delete(ctx, trackingID); err != nil {
		return err
	}
	r.invalidate(ctx, trackingID, "Delete")
	return nil
}

// AcquireLease 之后必须从底层存储重新读取，这里同步失效缓存
func (r *CachedStateStore) AcquireLease(ctx context.Context, trackingID, holder string, ttl time.Duration) error {
	if err := r.next.AcquireLease(ctx, trackingID, holder, ttl); err != nil {
		return err
	}
	r.invalidate(ctx, trackingID, "AcquireLease")
	return nil
}

func (r *CachedStateStore) RenewLease(ctx context.Context, trackingID, holder string, ttl time.Duration) error {
	return r.next.RenewLease(ctx, trackingID, holder, ttl)
}

func (r *CachedStateStore) ReleaseLease(ctx context.Context, trackingID, holder string) error {
	if err := r.next.ReleaseLease(ctx, trackingID, holder); err != nil {
		return err
	}
	r.invalidate(ctx, trackingID, "ReleaseLease")
	return nil
}

func (r *CachedStateStore) ListRecoverable(ctx context.Context) ([]string, error) {
	return r.next.ListRecoverable(ctx)
}

func (r *CachedStateStore) invalidate(ctx context.Context, trackingID, op string) {
	if err := r.cache.Del(ctx, cache.GenerateStateKey(trackingID)); err != nil {
		logger.Error(op+": 删除上传状态缓存失败", zap.String("tracking_id", trackingID), zap.Error(err))
	}
}
