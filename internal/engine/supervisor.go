package engine

import (
	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
)

// Op 控制面操作
type Op string

const (
	OpStart    Op = "start"
	OpPause    Op = "pause"
	OpResume   Op = "resume"
	OpCancel   Op = "cancel"
	OpRetry    Op = "retry"
	OpFail     Op = "fail"
	OpComplete Op = "complete"
)

type transition struct {
	to    models.UploadStatus
	noop  bool
	valid bool
}

var (
	moveTo = func(s models.UploadStatus) transition { return transition{to: s, valid: true} }
	noop   = transition{noop: true, valid: true}
)

// 未出现在表中的组合都是非法跳转
var transitions = map[Op]map[models.UploadStatus]transition{
	OpStart: {
		models.StatusInitializing: moveTo(models.StatusRunning),
		models.StatusRunning:      noop,
		models.StatusPaused:       noop,
	},
	OpPause: {
		models.StatusInitializing: noop,
		models.StatusRunning:      moveTo(models.StatusPaused),
		models.StatusPaused:       noop,
	},
	OpResume: {
		models.StatusRunning: noop,
		models.StatusPaused:  moveTo(models.StatusRunning),
	},
	OpCancel: {
		models.StatusInitializing: moveTo(models.StatusCancelled),
		models.StatusRunning:      moveTo(models.StatusCancelled),
		models.StatusPaused:       moveTo(models.StatusCancelled),
		models.StatusCancelled:    noop,
	},
	OpRetry: {
		models.StatusRunning: noop,
		models.StatusPaused:  noop,
		models.StatusFailed:  moveTo(models.StatusRunning),
	},
	OpFail: {
		models.StatusInitializing: moveTo(models.StatusFailed),
		models.StatusRunning:      moveTo(models.StatusFailed),
		models.StatusPaused:       moveTo(models.StatusFailed),
		models.StatusCancelled:    noop,
		models.StatusFailed:       noop,
	},
	OpComplete: {
		models.StatusRunning:   moveTo(models.StatusCompleted),
		models.StatusPaused:    moveTo(models.StatusCompleted),
		models.StatusCompleted: noop,
	},
}

// Transition 查询状态机：返回目标状态、是否发生变化。非法跳转返回 InvalidStateTransition
func Transition(from models.UploadStatus, op Op) (models.UploadStatus, bool, error) {
	t, ok := transitions[op][from]
	if !ok || !t.valid {
		return from, false, xerr.New(xerr.KindInvalidStateTransition, "%s 状态下不能执行 %s", from, op)
	}
	if t.noop {
		return from, false, nil
	}
	return t.to, true, nil
}

// Supervisor 在 ControlState 上执行状态机，调用方负责串行化
type Supervisor struct {
	ctrl *models.ControlState
}

func NewSupervisor(ctrl *models.ControlState) *Supervisor {
	if ctrl.Status == "" {
		ctrl.Status = models.StatusInitializing
	}
	return &Supervisor{ctrl: ctrl}
}

func (s *Supervisor) Status() models.UploadStatus {
	return s.ctrl.Status
}

func (s *Supervisor) apply(op Op) (bool, error) {
	next, changed, err := Transition(s.ctrl.Status, op)
	if err != nil || !changed {
		return false, err
	}
	s.ctrl.Status = next
	return true, nil
}

// Start 需要持有租约
func (s *Supervisor) Start() (bool, error) {
	if !s.ctrl.Locked || s.ctrl.LeaseID == "" {
		if _, _, err := Transition(s.ctrl.Status, OpStart); err != nil {
			return false, err
		}
		return false, xerr.New(xerr.KindLeaseConflict, "未持有上传租约")
	}
	return s.apply(OpStart)
}

func (s *Supervisor) Pause() (bool, error)  { return s.apply(OpPause) }
func (s *Supervisor) Resume() (bool, error) { return s.apply(OpResume) }
func (s *Supervisor) Cancel() (bool, error) { return s.apply(OpCancel) }

func (s *Supervisor) Retry() (bool, error) {
	changed, err := s.apply(OpRetry)
	if changed {
		s.ctrl.LastError = ""
	}
	return changed, err
}

// Fail 记录失败原因并进入 Failed
func (s *Supervisor) Fail(cause error) (bool, error) {
	changed, err := s.apply(OpFail)
	if changed && cause != nil {
		s.ctrl.LastError = cause.Error()
	}
	return changed, err
}

func (s *Supervisor) Complete() (bool, error) {
	changed, err := s.apply(OpComplete)
	if changed {
		s.ctrl.LastError = ""
	}
	return changed, err
}
