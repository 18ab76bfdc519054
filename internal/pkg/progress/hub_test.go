package progress

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
)

func TestHubKeepsLatest(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("t-1")
	assert.Equal(t, 1, h.Subscribers("t-1"))

	for i := 1; i <= 5; i++ {
		require.NoError(t, h.Publish(context.Background(), "t-1", models.ProgressSnapshot{ChunksCompleted: i}))
	}
	// 其他上传的快照不会投递过来
	require.NoError(t, h.Publish(context.Background(), "t-2", models.ProgressSnapshot{ChunksCompleted: 99}))

	snap := <-ch
	assert.Equal(t, 5, snap.ChunksCompleted)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, h.Subscribers("t-1"))
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, string, models.ProgressSnapshot) error {
	f.calls++
	return errors.New("redis down")
}

func TestMultiPublishesToAll(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("t-1")
	defer cancel()
	bad := &failingPublisher{}

	err := Multi{bad, nil, h}.Publish(context.Background(), "t-1", models.ProgressSnapshot{TotalChunks: 3})
	assert.Error(t, err)
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, 3, (<-ch).TotalChunks)
}
