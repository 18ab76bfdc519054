package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client), mr
}

func TestRedisCacheSetGetDel(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	var got models.UploadTarget
	assert.ErrorIs(t, c.Get(ctx, "missing", &got), ErrCacheMiss)

	want := models.UploadTarget{Backend: "minio", Bucket: "b", Key: "k", UploadID: "u"}
	require.NoError(t, c.Set(ctx, "target", want, time.Minute))
	require.NoError(t, c.Get(ctx, "target", &got))
	assert.Equal(t, want, got)
	assert.Equal(t, time.Minute, mr.TTL("target"))

	require.NoError(t, c.Del(ctx, "target"))
	assert.False(t, mr.Exists("target"))
	assert.ErrorIs(t, c.Get(ctx, "target", &got), ErrCacheMiss)
}

func TestProgressPublisher(t *testing.T) {
	c, mr := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewProgressPublisher(c)

	_, err := p.LastSnapshot(ctx, "t-1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	ch, closeSub := p.Subscribe(ctx, "t-1")
	defer closeSub()
	// 等订阅生效后再发布
	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("upload:progress:*")) == 1
	}, time.Second, 5*time.Millisecond)

	snap := models.ProgressSnapshot{TrackingID: "t-1", ChunksCompleted: 3, TotalChunks: 10, Status: models.StatusRunning}
	require.NoError(t, p.Publish(ctx, "t-1", snap))

	select {
	case got := <-ch:
		assert.Equal(t, snap, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received")
	}

	last, err := p.LastSnapshot(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 3, last.ChunksCompleted)
	assert.True(t, mr.TTL(GenerateProgressKey("t-1")) > 0)
}
