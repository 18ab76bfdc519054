package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
)

// BlockCommitter 按顺序提交块
type BlockCommitter interface {
	CommitBlocks(ctx context.Context, target models.UploadTarget, blockIDs []string) error
}

// CommitCoordinator 所有分片成功后提交块列表，失败时在固定预算内重试
type CommitCoordinator struct {
	committer BlockCommitter
	retries   int
	delay     time.Duration
}

func NewCommitCoordinator(committer BlockCommitter, retries int, delay time.Duration) *CommitCoordinator {
	if retries < 0 {
		retries = 0
	}
	return &CommitCoordinator{committer: committer, retries: retries, delay: delay}
}

// OrderedBlockIDs 按分片 id 升序收集 blockID，任何分片未成功都返回错误
func OrderedBlockIDs(chunks map[int]*models.ChunkState) ([]string, error) {
	ids := make([]int, 0, len(chunks))
	for id := range chunks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	blockIDs := make([]string, 0, len(ids))
	for i, id := range ids {
		c := chunks[id]
		if id != i {
			return nil, fmt.Errorf("分片 %d 缺失", i)
		}
		if c.Status != models.ChunkSucceeded || c.BlockID == "" {
			return nil, fmt.Errorf("分片 %d 尚未成功", id)
		}
		blockIDs = append(blockIDs, c.BlockID)
	}
	return blockIDs, nil
}

// Commit 提交块列表。onRetry 在每次重试前被调用，attempt 从 1 开始。
// 预算耗尽后返回 CommitFailed
func (c *CommitCoordinator) Commit(ctx context.Context, target models.UploadTarget, blockIDs []string, onRetry func(attempt int, err error)) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			select {
			case <-ctx.Done():
				return xerr.Wrap(xerr.KindCancelled, ctx.Err())
			case <-time.After(c.delay):
			}
		}

		lastErr = c.committer.CommitBlocks(ctx, target, blockIDs)
		if lastErr == nil {
			return nil
		}
		if xerr.KindOf(lastErr) == xerr.KindCancelled || ctx.Err() != nil {
			return xerr.Wrap(xerr.KindCancelled, lastErr)
		}
	}
	return xerr.New(xerr.KindCommitFailed, "重试 %d 次后仍失败: %v", c.retries, lastErr)
}
