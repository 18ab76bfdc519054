package engine

import (
	"testing"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1 << 20

func TestPlanChunksCoversFile(t *testing.T) {
	tests := []struct {
		name      string
		fileSize  int64
		chunkSize int64
		want      int
		lastSize  int64
	}{
		{"exact", 10 * mib, mib, 10, mib},
		{"remainder", 10*mib + 1, mib, 11, 1},
		{"single", 100, mib, 1, 100},
		{"one byte chunks", 5, 1, 5, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := PlanChunks(tt.fileSize, tt.chunkSize, 0)
			require.NoError(t, err)
			require.Len(t, chunks, tt.want)
			assert.Equal(t, tt.want, ChunkCount(tt.fileSize, tt.chunkSize))

			var next int64
			for i, c := range chunks {
				assert.Equal(t, i, c.ID)
				assert.Equal(t, next, c.Start, "chunks must be contiguous")
				assert.Equal(t, c.End-c.Start, c.Size)
				assert.Equal(t, models.ChunkPending, c.Status)
				assert.Zero(t, c.Attempts)
				next = c.End
			}
			assert.Equal(t, tt.fileSize, next)
			assert.Equal(t, tt.lastSize, chunks[len(chunks)-1].Size)
		})
	}
}

func TestPlanChunksTenMiB(t *testing.T) {
	chunks, err := PlanChunks(10*mib, mib, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 10)
	assert.Equal(t, int64(9*mib), chunks[9].Start)
	assert.Equal(t, int64(10*mib), chunks[9].End)
}

func TestPlanChunksResume(t *testing.T) {
	chunks, err := PlanChunks(10*mib, mib, 4)
	require.NoError(t, err)
	require.Len(t, chunks, 6)
	assert.Equal(t, 4, chunks[0].ID)
	assert.Equal(t, int64(4*mib), chunks[0].Start)

	chunks, err = PlanChunks(10*mib, mib, 10)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestPlanChunksInvalid(t *testing.T) {
	cases := []struct {
		fileSize, chunkSize int64
		resume              int
	}{
		{0, mib, 0},
		{-1, mib, 0},
		{mib, 0, 0},
		{mib, -5, 0},
		{10 * mib, mib, 11},
		{10 * mib, mib, -1},
	}
	for _, c := range cases {
		_, err := PlanChunks(c.fileSize, c.chunkSize, c.resume)
		require.Error(t, err)
		assert.Equal(t, xerr.KindInvalidConfiguration, xerr.KindOf(err))
	}
}

func newPlannedState(t *testing.T, fileSize, chunkSize int64) *models.UploadState {
	t.Helper()
	planned, err := PlanChunks(fileSize, chunkSize, 0)
	require.NoError(t, err)
	state := &models.UploadState{
		Chunks:   make(map[int]*models.ChunkState, len(planned)),
		Metadata: models.UploadMetadata{TrackingID: "t-1", FileSize: fileSize, FileName: "a.bin"},
		Options:  models.ChunkingOptions{ChunkSize: chunkSize, MaxRetries: 3, MaxConcurrent: 2},
	}
	for i := range planned {
		c := planned[i]
		state.Chunks[c.ID] = &c
	}
	return state
}

func TestFirstNonSucceeded(t *testing.T) {
	state := newPlannedState(t, 4*mib, mib)
	assert.Equal(t, 0, FirstNonSucceeded(state))

	state.Chunks[0].Status = models.ChunkSucceeded
	state.Chunks[1].Status = models.ChunkSucceeded
	state.Chunks[3].Status = models.ChunkSucceeded
	assert.Equal(t, 2, FirstNonSucceeded(state))

	state.Chunks[2].Status = models.ChunkSucceeded
	assert.Equal(t, 4, FirstNonSucceeded(state))
}

func TestMergePlan(t *testing.T) {
	state := newPlannedState(t, 5*mib, mib)
	state.Chunks[0].Status, state.Chunks[0].BlockID, state.Chunks[0].Attempts = models.ChunkSucceeded, "b0", 1
	state.Chunks[1].Status, state.Chunks[1].Attempts, state.Chunks[1].Error = models.ChunkFailed, 2, "boom"
	state.Chunks[2].Status, state.Chunks[2].BlockID, state.Chunks[2].Attempts = models.ChunkSucceeded, "b2", 1
	state.Chunks[3].Status = models.ChunkUploading
	state.Chunks[4].Status = models.ChunkUploading

	inFlight := func(id int) bool { return id == 4 }
	require.NoError(t, MergePlan(state, 1, inFlight))

	assert.Equal(t, models.ChunkSucceeded, state.Chunks[0].Status)
	assert.Equal(t, models.ChunkPending, state.Chunks[1].Status)
	assert.Equal(t, 2, state.Chunks[1].Attempts, "attempts are never reset")
	assert.Empty(t, state.Chunks[1].Error)
	assert.Equal(t, models.ChunkSucceeded, state.Chunks[2].Status)
	assert.Equal(t, "b2", state.Chunks[2].BlockID)
	assert.Equal(t, models.ChunkPending, state.Chunks[3].Status)
	assert.Equal(t, models.ChunkUploading, state.Chunks[4].Status)
}

func TestMergePlanRangeMismatch(t *testing.T) {
	state := newPlannedState(t, 4*mib, mib)
	state.Options.ChunkSize = 2 * mib
	err := MergePlan(state, 0, nil)
	require.Error(t, err)
	assert.Equal(t, xerr.KindInvalidConfiguration, xerr.KindOf(err))
}
