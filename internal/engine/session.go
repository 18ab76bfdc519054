package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// StateSaver 持久化上传状态。返回 LeaseConflict 时会话放弃推进
type StateSaver interface {
	Save(ctx context.Context, state *models.UploadState) error
}

// SessionDeps 会话依赖，Saver / Metrics / OnTerminal 可为空
type SessionDeps struct {
	Uploader   ChunkUploader
	Commit     *CommitCoordinator
	Retry      RetryPolicy
	Reporter   *ProgressReporter
	Saver      StateSaver
	Metrics    Metrics
	Logger     *zap.Logger
	OnTerminal func(state *models.UploadState)
	Now        func() time.Time
}

// Session 驱动单个上传：控制状态机、有界并发调度、结果归并、提交与进度发布。
// 所有对 UploadState 的修改都在 mu 下完成；调度循环是唯一处理分片结果的协程。
type Session struct {
	deps    SessionDeps
	log     *zap.Logger
	metrics Metrics
	now     func() time.Time

	mu             sync.Mutex
	state          *models.UploadState
	sup            *Supervisor
	retryAt        map[int]time.Time
	inflight       map[int]context.CancelFunc
	stale          map[int]struct{} // 已被取消的在途尝试，结果到达时丢弃
	committing     bool
	commitRetrying bool
	commitCancel   context.CancelFunc
	loopDone       chan struct{}
	terminalFired  bool

	slots   *semaphore.Weighted
	results chan models.ChunkUploadResult
	wake    chan struct{}

	ctx     context.Context
	abandon context.CancelFunc

	saveMu sync.Mutex
}

// NewSession 接管一个上传状态。从存储恢复的状态中，上传中的分片回到 pending，
// 失败的分片立即安排重试。
func NewSession(ctx context.Context, state *models.UploadState, deps SessionDeps) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var m Metrics = nopMetrics{}
	if deps.Metrics != nil {
		m = deps.Metrics
	}
	if deps.Reporter == nil {
		deps.Reporter = NewProgressReporter(state.Metadata.TrackingID, 0, nil, log)
	}
	maxConcurrent := state.Options.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if n := len(state.Chunks); n > 0 && maxConcurrent > n {
		maxConcurrent = n
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		deps:     deps,
		log:      log,
		metrics:  m,
		now:      deps.Now,
		state:    state,
		sup:      NewSupervisor(&state.Control),
		retryAt:  make(map[int]time.Time),
		inflight: make(map[int]context.CancelFunc),
		stale:    make(map[int]struct{}),
		slots:    semaphore.NewWeighted(int64(maxConcurrent)),
		results:  make(chan models.ChunkUploadResult, 2*maxConcurrent),
		wake:     make(chan struct{}, 1),
		ctx:      sctx,
		abandon:  cancel,
	}

	now := s.now()
	terminal := state.Control.Status.IsTerminal()
	for id, c := range state.Chunks {
		switch c.Status {
		case models.ChunkUploading:
			c.Status = models.ChunkPending
		case models.ChunkFailed:
			if !terminal {
				s.retryAt[id] = now
			}
		}
	}
	s.terminalFired = terminal
	s.projectLocked()
	return s
}

// TrackingID 上传标识
func (s *Session) TrackingID() string {
	return s.state.Metadata.TrackingID
}

// Start Initializing -> Running，必须已持有租约
func (s *Session) Start() (models.ControlState, error) {
	s.mu.Lock()
	changed, err := s.sup.Start()
	if err != nil {
		ctrl := s.state.Control
		s.mu.Unlock()
		return ctrl, err
	}
	s.projectLocked()
	s.ensureLoopLocked()
	s.mu.Unlock()

	if changed {
		s.log.Info("Session: 上传开始", zap.Int("total_chunks", len(s.state.Chunks)))
		s.changed()
	}
	s.kick()
	return s.Control(), nil
}

// Pause Running -> Paused。进行中的分片允许完成并记录结果
func (s *Session) Pause() (models.ControlState, error) {
	s.mu.Lock()
	changed, err := s.sup.Pause()
	if err != nil {
		ctrl := s.state.Control
		s.mu.Unlock()
		return ctrl, err
	}
	s.projectLocked()
	s.mu.Unlock()

	if changed {
		s.log.Info("Session: 上传已暂停")
		s.changed()
	}
	return s.Control(), nil
}

// Resume Paused -> Running，并从第一个未成功的分片重新规划
func (s *Session) Resume() (models.ControlState, error) {
	s.mu.Lock()
	if s.sup.Status() == models.StatusRunning {
		s.ensureLoopLocked()
		s.mu.Unlock()
		s.kick()
		return s.Control(), nil
	}
	s.mu.Unlock()
	return s.ResumeFrom(-1)
}

// ResumeFrom 以 k 为起点合并重新规划的分片；k 超过第一个未成功的分片时取后者，
// 保证 id < k 的分片确实已有 blockID
func (s *Session) ResumeFrom(k int) (models.ControlState, error) {
	s.mu.Lock()
	changed, err := s.sup.Resume()
	if err != nil {
		ctrl := s.state.Control
		s.mu.Unlock()
		return ctrl, err
	}
	first := FirstNonSucceeded(s.state)
	if k < 0 || k > first {
		k = first
	}
	if err := MergePlan(s.state, k, s.isInFlightLocked); err != nil {
		ctrl := s.state.Control
		s.mu.Unlock()
		return ctrl, err
	}
	for id := range s.retryAt {
		if id >= k {
			delete(s.retryAt, id)
		}
	}
	s.projectLocked()
	s.ensureLoopLocked()
	s.mu.Unlock()

	if changed {
		s.log.Info("Session: 上传已恢复", zap.Int("resume_from", k))
	}
	s.changed()
	s.kick()
	return s.Control(), nil
}

// Cancel 任意非终止状态 -> Cancelled。进行中的请求被中止，之后到达的结果一律丢弃，不会提交
func (s *Session) Cancel() (models.ControlState, error) {
	s.mu.Lock()
	changed, err := s.sup.Cancel()
	if err != nil || !changed {
		ctrl := s.state.Control
		s.mu.Unlock()
		return ctrl, err
	}
	s.stopInFlightLocked()
	if s.commitCancel != nil {
		s.commitCancel()
	}
	s.retryAt = make(map[int]time.Time)
	s.projectLocked()
	s.mu.Unlock()

	s.log.Info("Session: 上传已取消")
	s.changed()
	s.fireTerminal()
	s.kick()
	return s.Control(), nil
}

// Retry Failed -> Running。未成功分片的重试预算从当前尝试次数重新计算
func (s *Session) Retry() (models.ControlState, error) {
	s.mu.Lock()
	changed, err := s.sup.Retry()
	if err != nil || !changed {
		s.ensureLoopLocked()
		ctrl := s.state.Control
		s.mu.Unlock()
		return ctrl, err
	}
	for id, c := range s.state.Chunks {
		if c.Status == models.ChunkSucceeded || s.isInFlightLocked(id) {
			continue
		}
		c.RetryBase = c.Attempts
		c.Status = models.ChunkPending
		c.Error = ""
		c.BlockID = ""
	}
	s.retryAt = make(map[int]time.Time)
	s.terminalFired = false
	s.projectLocked()
	s.ensureLoopLocked()
	s.mu.Unlock()

	s.log.Info("Session: 手动重试")
	s.changed()
	s.kick()
	return s.Control(), nil
}

// Fail 因外部原因终止上传，例如恢复时发现暂存文件已丢失
func (s *Session) Fail(cause error) (models.ControlState, error) {
	s.mu.Lock()
	changed, err := s.sup.Fail(cause)
	if err != nil || !changed {
		ctrl := s.state.Control
		s.mu.Unlock()
		return ctrl, err
	}
	s.stopInFlightLocked()
	s.retryAt = make(map[int]time.Time)
	s.projectLocked()
	s.mu.Unlock()

	s.log.Error("Session: 上传失败", zap.Error(cause))
	s.changed()
	s.fireTerminal()
	s.kick()
	return s.Control(), nil
}

// stopInFlightLocked 取消在途请求并把这些分片放回 pending，之后到达的结果不再修改分片
func (s *Session) stopInFlightLocked() {
	for id, cancel := range s.inflight {
		cancel()
		s.stale[id] = struct{}{}
		if c := s.state.Chunks[id]; c != nil && c.Status == models.ChunkUploading {
			c.Status = models.ChunkPending
		}
	}
}

// Abandon 停止本地推进但不修改状态，用于租约丢失和进程退出
func (s *Session) Abandon() {
	s.abandon()
	s.kick()
}

// Stopped 调度循环退出时关闭；循环未运行时返回已关闭的通道
func (s *Session) Stopped() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopDone != nil {
		return s.loopDone
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Control 返回控制状态的副本
func (s *Session) Control() models.ControlState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Control
}

// State 返回完整状态的深拷贝
func (s *Session) State() *models.UploadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Status 当前状态与实时进度
func (s *Session) Status() models.UploadStatusView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.UploadStatusView{
		TrackingID: s.state.Metadata.TrackingID,
		FileName:   s.state.Metadata.FileName,
		Control:    s.state.Control,
		Snapshot:   Snapshot(s.state, s.deps.Reporter.Speed(), s.now()),
		Target:     s.state.Target,
	}
}

func (s *Session) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) isInFlightLocked(id int) bool {
	_, ok := s.inflight[id]
	return ok
}

func (s *Session) projectLocked() {
	s.state.Control.Project(len(s.retryAt) > 0 || s.commitRetrying)
}

func (s *Session) ensureLoopLocked() {
	if s.loopDone != nil || s.sup.Status().IsTerminal() || s.ctx.Err() != nil {
		return
	}
	done := make(chan struct{})
	s.loopDone = done
	go s.loop(s.ctx, done)
}

// loop 调度循环：派发分片、归并结果、到期重试、全部成功后提交。
// 进入终止状态或会话被放弃后，中止并等待进行中的请求，然后退出。
func (s *Session) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		if ctx.Err() != nil || s.sup.Status().IsTerminal() {
			for _, cancel := range s.inflight {
				cancel()
			}
			if len(s.inflight) == 0 {
				s.loopDone = nil
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			s.handleResult(<-s.results)
			continue
		}

		wait := time.Duration(-1)
		if s.sup.Status() == models.StatusRunning && !s.committing {
			s.dispatchLocked(ctx)
			if len(s.inflight) == 0 && s.allSucceededLocked() {
				s.committing = true
				cctx, cancel := context.WithCancel(ctx)
				s.commitCancel = cancel
				s.mu.Unlock()
				s.commit(cctx)
				cancel()
				continue
			}
			if next, ok := s.nextRetryLocked(); ok {
				wait = next.Sub(s.now())
				if wait < 0 {
					wait = 0
				}
			}
		}
		s.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case r := <-s.results:
			s.handleResult(r)
		case <-s.wake:
		case <-timerC:
		case <-ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// dispatchLocked 按分片 id 升序派发，直到没有空闲槽位或可派发的分片
func (s *Session) dispatchLocked(ctx context.Context) {
	now := s.now()
	for {
		id, ok := s.nextEligibleLocked(now)
		if !ok || !s.slots.TryAcquire(1) {
			return
		}
		chunk := s.state.Chunks[id]
		chunk.Status = models.ChunkUploading
		delete(s.retryAt, id)

		cctx, cancel := context.WithCancel(ctx)
		s.inflight[id] = cancel
		s.metrics.AddInFlight(1)
		go s.work(cctx, cancel, *chunk)
	}
}

func (s *Session) nextEligibleLocked(now time.Time) (int, bool) {
	for id := 0; id < len(s.state.Chunks); id++ {
		c, ok := s.state.Chunks[id]
		if !ok || s.isInFlightLocked(id) {
			continue
		}
		switch c.Status {
		case models.ChunkPending:
			return id, true
		case models.ChunkFailed:
			if at, scheduled := s.retryAt[id]; scheduled && !now.Before(at) {
				return id, true
			}
		}
	}
	return -1, false
}

func (s *Session) nextRetryLocked() (time.Time, bool) {
	var next time.Time
	found := false
	for id, at := range s.retryAt {
		if s.isInFlightLocked(id) {
			continue
		}
		if !found || at.Before(next) {
			next, found = at, true
		}
	}
	return next, found
}

func (s *Session) allSucceededLocked() bool {
	if len(s.state.Chunks) == 0 {
		return false
	}
	for _, c := range s.state.Chunks {
		if c.Status != models.ChunkSucceeded {
			return false
		}
	}
	return true
}

func (s *Session) work(ctx context.Context, cancel context.CancelFunc, chunk models.ChunkState) {
	defer cancel()
	start := s.now()
	blockID, err := s.upload(ctx, chunk)
	s.slots.Release(1)
	s.results <- models.ChunkUploadResult{
		ChunkID:   chunk.ID,
		BlockID:   blockID,
		Attempts:  chunk.Attempts + 1,
		Duration:  s.now().Sub(start),
		StartedAt: start,
		Success:   err == nil,
		Err:       err,
	}
}

func (s *Session) upload(ctx context.Context, chunk models.ChunkState) (blockID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerr.New(xerr.KindInternal, "上传分片 %d 时 panic: %v", chunk.ID, r)
		}
	}()
	return s.deps.Uploader.Upload(ctx, chunk)
}

// handleResult 归并一次分片尝试的结果
func (s *Session) handleResult(r models.ChunkUploadResult) {
	s.mu.Lock()
	if !s.isInFlightLocked(r.ChunkID) {
		s.mu.Unlock()
		return
	}
	delete(s.inflight, r.ChunkID)
	s.metrics.AddInFlight(-1)
	_, stale := s.stale[r.ChunkID]
	delete(s.stale, r.ChunkID)

	// 取消、失败或会话被放弃后到达的结果直接丢弃
	if stale || s.sup.Status().IsTerminal() || s.ctx.Err() != nil {
		s.mu.Unlock()
		s.log.Debug("Session: 丢弃迟到的分片结果", zap.Int("chunk_id", r.ChunkID))
		return
	}

	chunk := s.state.Chunks[r.ChunkID]
	chunk.Attempts++
	now := s.now()
	terminal := false

	if r.Err == nil {
		chunk.Status = models.ChunkSucceeded
		chunk.BlockID = r.BlockID
		chunk.Error = ""
		s.deps.Reporter.RecordChunk(chunk.Size, r.StartedAt, r.StartedAt.Add(r.Duration))
		s.metrics.ObserveChunk(true, chunk.Size, r.Duration)
	} else {
		chunk.Status = models.ChunkFailed
		chunk.BlockID = ""
		chunk.Error = r.Err.Error()
		s.metrics.ObserveChunk(false, 0, r.Duration)

		kind := xerr.KindOf(r.Err)
		retry, delay := s.deps.Retry.Decide(models.RetryMetadata{
			ChunkID:   chunk.ID,
			Attempt:   chunk.BudgetAttempts(),
			Total:     s.deps.Retry.MaxRetries,
			LastError: r.Err,
			Timestamp: now,
		})
		if retry {
			s.retryAt[chunk.ID] = now.Add(delay)
			s.state.Control.RetryCount++
			s.state.Control.LastRetryTimestamp = now.UnixMilli()
			s.state.Control.LastError = chunk.Error
			s.metrics.RecordRetry(string(kind))
			s.log.Warn("Session: 分片上传失败，稍后重试",
				zap.Int("chunk_id", chunk.ID), zap.Int("attempts", chunk.Attempts),
				zap.Duration("delay", delay), zap.Error(r.Err))
		} else {
			cause := r.Err
			if xerr.IsRetryable(kind) {
				cause = xerr.New(xerr.KindChunkRetriesExhausted, "分片 %d 尝试 %d 次后仍失败: %v", chunk.ID, chunk.BudgetAttempts(), r.Err)
			}
			if _, err := s.sup.Fail(cause); err != nil {
				s.log.Error("Session: 状态机拒绝 fail", zap.Error(err))
			}
			s.stopInFlightLocked()
			s.retryAt = make(map[int]time.Time)
			terminal = true
			s.log.Error("Session: 上传失败", zap.Int("chunk_id", chunk.ID), zap.Error(cause))
		}
	}
	s.projectLocked()
	s.mu.Unlock()

	s.changed()
	if terminal {
		s.fireTerminal()
	}
}

func (s *Session) commit(ctx context.Context) {
	s.mu.Lock()
	blockIDs, err := OrderedBlockIDs(s.state.Chunks)
	if err == nil {
		s.state.BlockIDs = blockIDs
	}
	target := s.state.Target
	s.mu.Unlock()

	start := s.now()
	if err == nil {
		err = s.deps.Commit.Commit(ctx, target, blockIDs, func(attempt int, cerr error) {
			s.mu.Lock()
			s.commitRetrying = true
			s.state.Control.RetryCount++
			s.state.Control.LastRetryTimestamp = s.now().UnixMilli()
			if cerr != nil {
				s.state.Control.LastError = cerr.Error()
			}
			s.projectLocked()
			s.mu.Unlock()
			s.log.Warn("Session: 提交失败，重试中", zap.Int("attempt", attempt), zap.Error(cerr))
			s.changed()
		})
	} else {
		err = xerr.New(xerr.KindCommitFailed, "%v", err)
	}
	s.metrics.ObserveCommit(s.now().Sub(start), err)

	s.mu.Lock()
	s.committing = false
	s.commitRetrying = false
	s.commitCancel = nil
	if s.sup.Status() == models.StatusCancelled || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	terminal := false
	if err == nil {
		terminal, _ = s.sup.Complete()
		s.log.Info("Session: 上传完成", zap.Int("blocks", len(blockIDs)))
	} else {
		if _, ferr := s.sup.Fail(err); ferr != nil {
			s.log.Error("Session: 状态机拒绝 fail", zap.Error(ferr))
		}
		terminal = true
		s.log.Error("Session: 提交失败", zap.Error(err))
	}
	s.projectLocked()
	s.mu.Unlock()

	s.changed()
	if terminal {
		s.fireTerminal()
	}
}

// changed 持久化并发布最新状态。快照在 saveMu 内获取，保证保存顺序与修改顺序一致
func (s *Session) changed() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	s.state.Version++
	s.state.Progress = DeriveBase(s.state)
	snap := s.state.Clone()
	speed := s.deps.Reporter.Speed()
	s.mu.Unlock()

	s.deps.Reporter.Emit(Snapshot(snap, speed, s.now()))

	if s.deps.Saver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.deps.Saver.Save(ctx, snap); err != nil {
		if xerr.KindOf(err) == xerr.KindLeaseConflict {
			s.log.Warn("Session: 租约已失效，停止推进", zap.Error(err))
			s.Abandon()
			return
		}
		s.log.Error("Session: 保存上传状态失败", zap.Error(err))
	}
}

func (s *Session) fireTerminal() {
	s.mu.Lock()
	if s.terminalFired || !s.sup.Status().IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.terminalFired = true
	snap := s.state.Clone()
	s.mu.Unlock()

	s.metrics.RecordOutcome(snap.Control.Status)
	if s.deps.OnTerminal != nil {
		s.deps.OnTerminal(snap)
	}
}

// String 用于日志
func (s *Session) String() string {
	return fmt.Sprintf("Session(%s)", s.TrackingID())
}
