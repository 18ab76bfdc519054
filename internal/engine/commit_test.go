package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommitter struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	blockIDs []string
}

func (f *fakeCommitter) CommitBlocks(_ context.Context, _ models.UploadTarget, blockIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		if f.err != nil {
			return f.err
		}
		return errors.New("503 slow down")
	}
	f.blockIDs = append([]string(nil), blockIDs...)
	return nil
}

func (f *fakeCommitter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeCommitter) Committed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockIDs
}

func TestOrderedBlockIDs(t *testing.T) {
	chunks := map[int]*models.ChunkState{
		2: {ID: 2, Status: models.ChunkSucceeded, BlockID: "c"},
		0: {ID: 0, Status: models.ChunkSucceeded, BlockID: "a"},
		1: {ID: 1, Status: models.ChunkSucceeded, BlockID: "b"},
	}
	ids, err := OrderedBlockIDs(chunks)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	chunks[1].Status = models.ChunkFailed
	_, err = OrderedBlockIDs(chunks)
	assert.Error(t, err)

	delete(chunks, 1)
	_, err = OrderedBlockIDs(chunks)
	assert.Error(t, err)
}

func TestCommitRetriesWithinBudget(t *testing.T) {
	fc := &fakeCommitter{failures: 2}
	cc := NewCommitCoordinator(fc, 3, 0)

	var retries []int
	err := cc.Commit(context.Background(), models.UploadTarget{}, []string{"a", "b"}, func(attempt int, err error) {
		assert.Error(t, err)
		retries = append(retries, attempt)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, fc.Calls())
	assert.Equal(t, []int{1, 2}, retries)
	assert.Equal(t, []string{"a", "b"}, fc.Committed())
}

func TestCommitExhausted(t *testing.T) {
	fc := &fakeCommitter{failures: 10}
	cc := NewCommitCoordinator(fc, 2, 0)

	err := cc.Commit(context.Background(), models.UploadTarget{}, []string{"a"}, nil)
	require.Error(t, err)
	assert.Equal(t, xerr.KindCommitFailed, xerr.KindOf(err))
	assert.Equal(t, 3, fc.Calls())
}

func TestCommitCancelled(t *testing.T) {
	fc := &fakeCommitter{failures: 10}
	cc := NewCommitCoordinator(fc, 5, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cc.Commit(ctx, models.UploadTarget{}, []string{"a"}, nil)
	require.Error(t, err)
	assert.Equal(t, xerr.KindCancelled, xerr.KindOf(err))
}
