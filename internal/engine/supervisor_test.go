package engine

import (
	"errors"
	"testing"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	const (
		I = models.StatusInitializing
		R = models.StatusRunning
		P = models.StatusPaused
		C = models.StatusCancelled
		D = models.StatusCompleted
		F = models.StatusFailed
	)
	type row struct {
		from    models.UploadStatus
		op      Op
		to      models.UploadStatus
		changed bool
		invalid bool
	}
	rows := []row{
		{I, OpStart, R, true, false},
		{R, OpStart, R, false, false},
		{P, OpStart, P, false, false},
		{D, OpStart, D, false, true},

		{I, OpPause, I, false, false},
		{R, OpPause, P, true, false},
		{P, OpPause, P, false, false},
		{C, OpPause, C, false, true},

		{I, OpResume, I, false, true},
		{R, OpResume, R, false, false},
		{P, OpResume, R, true, false},
		{D, OpResume, D, false, true},
		{F, OpResume, F, false, true},

		{I, OpCancel, C, true, false},
		{R, OpCancel, C, true, false},
		{P, OpCancel, C, true, false},
		{C, OpCancel, C, false, false},
		{D, OpCancel, D, false, true},
		{F, OpCancel, F, false, true},

		{R, OpRetry, R, false, false},
		{P, OpRetry, P, false, false},
		{F, OpRetry, R, true, false},
		{I, OpRetry, I, false, true},
		{C, OpRetry, C, false, true},
		{D, OpRetry, D, false, true},

		{R, OpFail, F, true, false},
		{F, OpFail, F, false, false},
		{C, OpFail, C, false, false},
		{D, OpFail, D, false, true},

		{R, OpComplete, D, true, false},
		{P, OpComplete, D, true, false},
		{D, OpComplete, D, false, false},
		{C, OpComplete, C, false, true},
		{F, OpComplete, F, false, true},
	}
	for _, r := range rows {
		to, changed, err := Transition(r.from, r.op)
		name := string(r.from) + "/" + string(r.op)
		if r.invalid {
			require.Error(t, err, name)
			assert.Equal(t, xerr.KindInvalidStateTransition, xerr.KindOf(err), name)
		} else {
			require.NoError(t, err, name)
		}
		assert.Equal(t, r.to, to, name)
		assert.Equal(t, r.changed, changed, name)
	}
}

func TestSupervisorStartNeedsLease(t *testing.T) {
	ctrl := &models.ControlState{}
	sup := NewSupervisor(ctrl)
	assert.Equal(t, models.StatusInitializing, sup.Status())

	_, err := sup.Start()
	assert.Equal(t, xerr.KindLeaseConflict, xerr.KindOf(err))

	ctrl.Locked, ctrl.LeaseID = true, "node-1:abc"
	changed, err := sup.Start()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusRunning, ctrl.Status)
}

func TestSupervisorFailAndRetry(t *testing.T) {
	ctrl := &models.ControlState{Status: models.StatusRunning}
	sup := NewSupervisor(ctrl)

	changed, err := sup.Fail(errors.New("chunk 3 exhausted"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "chunk 3 exhausted", ctrl.LastError)

	changed, err = sup.Retry()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusRunning, ctrl.Status)
	assert.Empty(t, ctrl.LastError)
}

func TestControlProjection(t *testing.T) {
	ctrl := models.ControlState{Status: models.StatusRunning}
	ctrl.Project(true)
	assert.True(t, ctrl.IsRunning)
	assert.True(t, ctrl.IsRetrying)
	assert.Equal(t, models.StatusRetrying, ctrl.DisplayStatus())

	ctrl.Status = models.StatusPaused
	ctrl.Project(true)
	assert.False(t, ctrl.IsRetrying, "retrying only while running")
	assert.True(t, ctrl.IsPaused)
	assert.False(t, ctrl.IsRunning)
	assert.Equal(t, models.StatusPaused, ctrl.DisplayStatus())
}
