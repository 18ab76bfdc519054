package engine

import (
	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
)

// ChunkCount 返回 fileSize 按 chunkSize 切分后的分片数
func ChunkCount(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// PlanChunks 把 [0, fileSize) 切成连续的分片，id 从 0 开始。
// resumeFromChunk = k 时只返回 id >= k 的分片，id < k 的分片视为已完成。
func PlanChunks(fileSize, chunkSize int64, resumeFromChunk int) ([]models.ChunkState, error) {
	if fileSize <= 0 {
		return nil, xerr.New(xerr.KindInvalidConfiguration, "fileSize 必须大于0, 当前为 %d", fileSize)
	}
	if chunkSize <= 0 {
		return nil, xerr.New(xerr.KindInvalidConfiguration, "chunkSize 必须大于0, 当前为 %d", chunkSize)
	}
	total := ChunkCount(fileSize, chunkSize)
	if resumeFromChunk < 0 || resumeFromChunk > total {
		return nil, xerr.New(xerr.KindInvalidConfiguration, "resumeFromChunk %d 超出范围 [0, %d]", resumeFromChunk, total)
	}

	chunks := make([]models.ChunkState, 0, total-resumeFromChunk)
	for id := resumeFromChunk; id < total; id++ {
		start := int64(id) * chunkSize
		end := start + chunkSize
		if end > fileSize {
			end = fileSize
		}
		chunks = append(chunks, models.ChunkState{
			ID:     id,
			Start:  start,
			End:    end,
			Size:   end - start,
			Status: models.ChunkPending,
		})
	}
	return chunks, nil
}

// FirstNonSucceeded 返回第一个未成功的分片 id，全部成功时返回分片总数
func FirstNonSucceeded(state *models.UploadState) int {
	for id := 0; id < len(state.Chunks); id++ {
		c, ok := state.Chunks[id]
		if !ok || c.Status != models.ChunkSucceeded {
			return id
		}
	}
	return len(state.Chunks)
}

// MergePlan 以 k 为起点重新规划并合并进已有状态。
// id < k 的分片不动；id >= k 中已成功且区间一致的分片保留，其余回到 pending，
// skip 中的分片 (仍在上传中) 不受影响。尝试次数从不清零。
func MergePlan(state *models.UploadState, k int, skip func(id int) bool) error {
	planned, err := PlanChunks(state.Metadata.FileSize, state.Options.ChunkSize, k)
	if err != nil {
		return err
	}
	if state.Chunks == nil {
		state.Chunks = make(map[int]*models.ChunkState, len(planned))
	}
	for _, p := range planned {
		existing, ok := state.Chunks[p.ID]
		if !ok {
			c := p
			state.Chunks[p.ID] = &c
			continue
		}
		if existing.Start != p.Start || existing.End != p.End {
			return xerr.New(xerr.KindInvalidConfiguration, "分片 %d 的区间与已有记录不一致", p.ID)
		}
		if skip != nil && skip(p.ID) {
			continue
		}
		if existing.Status == models.ChunkSucceeded && existing.BlockID != "" {
			continue
		}
		existing.Status = models.ChunkPending
		existing.BlockID = ""
		existing.Error = ""
	}
	return nil
}
