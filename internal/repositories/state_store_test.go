package repositories

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/cache"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type storeFactory func(t *testing.T, clock *fakeClock) StateStore

func newSQLiteStore(t *testing.T, clock *fakeClock) StateStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库每个连接独立，限制为单连接
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := NewGormStateStore(db)
	store.now = clock.Now
	require.NoError(t, store.AutoMigrate())
	return store
}

func newBadgerStore(t *testing.T, clock *fakeClock) StateStore {
	t.Helper()
	db, err := OpenBadger("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewBadgerStateStore(db)
	store.now = clock.Now
	return store
}

func newRedisCache(t *testing.T) *cache.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedisCache(client)
}

func newCachedBadgerStore(t *testing.T, clock *fakeClock) StateStore {
	t.Helper()
	return NewCachedStateStore(newBadgerStore(t, clock), newRedisCache(t))
}

func forEachStore(t *testing.T, fn func(t *testing.T, store StateStore, clock *fakeClock)) {
	factories := map[string]storeFactory{
		"gorm-sqlite": newSQLiteStore,
		"badger":      newBadgerStore,
		"cached":      newCachedBadgerStore,
	}
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
			fn(t, factory(t, clock), clock)
		})
	}
}

func sampleState(trackingID string) *models.UploadState {
	state := &models.UploadState{
		UserID:   "u-1",
		TenantID: "tenant",
		Chunks:   make(map[int]*models.ChunkState),
		Control:  models.ControlState{Status: models.StatusInitializing},
		Metadata: models.UploadMetadata{
			UserID:       "u-1",
			TenantID:     "tenant",
			TrackingID:   trackingID,
			FileName:     "video.mp4",
			FileSize:     3 * 1024,
			MimeType:     "video/mp4",
			StartTime:    time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC),
			TempFilePath: "/tmp/" + trackingID,
		},
		Options: models.ChunkingOptions{ChunkSize: 1024, MaxRetries: 3, RetryDelayBase: 100, MaxConcurrent: 2},
		Target:  models.UploadTarget{Backend: "memory", Bucket: "b", Key: "uploads/u-1/" + trackingID, UploadID: "up-1"},
	}
	for id := 0; id < 3; id++ {
		start := int64(id) * 1024
		state.Chunks[id] = &models.ChunkState{ID: id, Start: start, End: start + 1024, Size: 1024, Status: models.ChunkPending}
	}
	return state
}

func TestStateStoreCreateLoad(t *testing.T) {
	forEachStore(t, func(t *testing.T, store StateStore, _ *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, sampleState("t-1")))

		err := store.Create(ctx, sampleState("t-1"))
		assert.Equal(t, xerr.KindInvalidConfiguration, xerr.KindOf(err))

		got, err := store.Load(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, "video.mp4", got.Metadata.FileName)
		assert.Equal(t, int64(3*1024), got.Metadata.FileSize)
		assert.Equal(t, models.StatusInitializing, got.Control.Status)
		assert.Equal(t, int64(1024), got.Options.ChunkSize)
		assert.Equal(t, "up-1", got.Target.UploadID)
		require.Len(t, got.Chunks, 3)
		assert.Equal(t, int64(2048), got.Chunks[2].Start)
		assert.False(t, got.Control.Locked)

		_, err = store.Load(ctx, "missing")
		assert.Equal(t, xerr.KindNotFound, xerr.KindOf(err))
	})
}

func TestStateStoreSaveRequiresLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, store StateStore, _ *fakeClock) {
		ctx := context.Background()
		state := sampleState("t-2")
		require.NoError(t, store.Create(ctx, state))

		state.Control.Status = models.StatusRunning
		state.Control.LeaseID = "node-1:a"
		state.Version = 1
		err := store.Save(ctx, state)
		assert.Equal(t, xerr.KindLeaseConflict, xerr.KindOf(err), "no lease held yet")

		require.NoError(t, store.AcquireLease(ctx, "t-2", "node-1:a", time.Minute))
		state.Chunks[0].Status = models.ChunkSucceeded
		state.Chunks[0].BlockID = "etag-0"
		state.Chunks[0].Attempts = 1
		state.Chunks[1].Status = models.ChunkFailed
		state.Chunks[1].Attempts = 2
		state.Chunks[1].Error = "connection reset"
		state.Control.RetryCount = 1
		state.BlockIDs = []string{"etag-0"}
		require.NoError(t, store.Save(ctx, state))

		got, err := store.Load(ctx, "t-2")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, got.Control.Status)
		assert.True(t, got.Control.Locked)
		assert.Equal(t, "node-1:a", got.Control.LeaseID)
		assert.Equal(t, models.ChunkSucceeded, got.Chunks[0].Status)
		assert.Equal(t, "etag-0", got.Chunks[0].BlockID)
		assert.Equal(t, 2, got.Chunks[1].Attempts)
		assert.Equal(t, "connection reset", got.Chunks[1].Error)
		assert.Equal(t, 1, got.Control.RetryCount)
		assert.Equal(t, int64(1), got.Version)

		other := state.Clone()
		other.Control.LeaseID = "node-2:b"
		other.Version = 2
		assert.Equal(t, xerr.KindLeaseConflict, xerr.KindOf(store.Save(ctx, other)))
	})
}

func TestStateStoreIgnoresStaleVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, store StateStore, _ *fakeClock) {
		ctx := context.Background()
		state := sampleState("t-3")
		require.NoError(t, store.Create(ctx, state))
		require.NoError(t, store.AcquireLease(ctx, "t-3", "h", time.Minute))

		state.Control.LeaseID = "h"
		state.Control.Status = models.StatusPaused
		state.Version = 5
		require.NoError(t, store.Save(ctx, state))

		stale := state.Clone()
		stale.Control.Status = models.StatusRunning
		stale.Version = 4
		require.NoError(t, store.Save(ctx, stale))

		got, err := store.Load(ctx, "t-3")
		require.NoError(t, err)
		assert.Equal(t, models.StatusPaused, got.Control.Status)
	})
}

func TestStateStoreLeaseLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store StateStore, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, sampleState("t-4")))

		require.NoError(t, store.AcquireLease(ctx, "t-4", "a", 30*time.Second))
		require.NoError(t, store.AcquireLease(ctx, "t-4", "a", 30*time.Second), "re-acquire by holder")

		err := store.AcquireLease(ctx, "t-4", "b", 30*time.Second)
		assert.Equal(t, xerr.KindLeaseConflict, xerr.KindOf(err))
		assert.Equal(t, xerr.KindLeaseConflict, xerr.KindOf(store.RenewLease(ctx, "t-4", "b", time.Minute)))

		clock.Advance(20 * time.Second)
		require.NoError(t, store.RenewLease(ctx, "t-4", "a", 30*time.Second))
		clock.Advance(20 * time.Second)
		assert.Error(t, store.AcquireLease(ctx, "t-4", "b", 30*time.Second), "renewed lease still valid")

		// 过期后其他实例可以接管
		clock.Advance(time.Minute)
		require.NoError(t, store.AcquireLease(ctx, "t-4", "b", 30*time.Second))
		assert.Equal(t, xerr.KindLeaseConflict, xerr.KindOf(store.RenewLease(ctx, "t-4", "a", 30*time.Second)))

		require.NoError(t, store.ReleaseLease(ctx, "t-4", "a"), "releasing someone else's lease is a no-op")
		got, err := store.Load(ctx, "t-4")
		require.NoError(t, err)
		assert.Equal(t, "b", got.Control.LeaseID)

		require.NoError(t, store.ReleaseLease(ctx, "t-4", "b"))
		require.NoError(t, store.AcquireLease(ctx, "t-4", "c", 30*time.Second))

		assert.Equal(t, xerr.KindNotFound, xerr.KindOf(store.AcquireLease(ctx, "missing", "c", time.Second)))
	})
}

func TestStateStoreListRecoverableAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, store StateStore, _ *fakeClock) {
		ctx := context.Background()
		statuses := map[string]models.UploadStatus{
			"r-1": models.StatusRunning,
			"r-2": models.StatusInitializing,
			"p-1": models.StatusPaused,
			"c-1": models.StatusCompleted,
			"f-1": models.StatusFailed,
		}
		for id, status := range statuses {
			state := sampleState(id)
			state.Control.Status = status
			require.NoError(t, store.Create(ctx, state))
		}

		ids, err := store.ListRecoverable(ctx)
		require.NoError(t, err)
		sort.Strings(ids)
		assert.Equal(t, []string{"r-1", "r-2"}, ids)

		require.NoError(t, store.Delete(ctx, "r-1"))
		_, err = store.Load(ctx, "r-1")
		assert.Equal(t, xerr.KindNotFound, xerr.KindOf(err))
	})
}

func TestCachedStateStoreServesFromCache(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	next := newBadgerStore(t, clock)
	store := NewCachedStateStore(next, newRedisCache(t))

	_, err := store.Load(ctx, "t-9")
	assert.Equal(t, xerr.KindNotFound, xerr.KindOf(err))

	// Create 会清除不存在标记
	state := sampleState("t-9")
	require.NoError(t, store.Create(ctx, state))
	got, err := store.Load(ctx, "t-9")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInitializing, got.Control.Status)

	// 绕过缓存直接写底层存储，读到的仍是缓存
	require.NoError(t, next.AcquireLease(ctx, "t-9", "h", time.Minute))
	state.Control.LeaseID = "h"
	state.Control.Status = models.StatusRunning
	state.Version = 1
	require.NoError(t, next.Save(ctx, state))
	got, err = store.Load(ctx, "t-9")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInitializing, got.Control.Status)

	// 经过缓存层的写入使缓存失效
	state.Control.Status = models.StatusPaused
	state.Version = 2
	require.NoError(t, store.Save(ctx, state))
	got, err = store.Load(ctx, "t-9")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, got.Control.Status)
	assert.Len(t, got.Chunks, 3)
}
