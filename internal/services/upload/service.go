package upload

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/config"
	"github.com/3Eeeecho/go-chunkupload/internal/engine"
	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/cache"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/history"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/logger"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/storage"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
	"github.com/3Eeeecho/go-chunkupload/internal/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type UploadService interface {
	// StartUpload 创建并启动上传，返回 trackingID。
	// options.ResumeFromChunk > 0 时 metadata.TrackingID 必须指向已存在的上传
	StartUpload(ctx context.Context, metadata models.UploadMetadata, options models.ChunkingOptions) (string, error)
	Pause(ctx context.Context, trackingID string) (models.ControlState, error)
	Resume(ctx context.Context, trackingID string) (models.ControlState, error)
	Cancel(ctx context.Context, trackingID string) (models.ControlState, error)
	Retry(ctx context.Context, trackingID string) (models.ControlState, error)
	GetStatus(ctx context.Context, trackingID string) (models.UploadStatusView, error)
	History(ctx context.Context, userID string, size int) ([]history.Record, error)

	// Recover 进程启动时接管未完成的上传，返回成功接管的数量
	Recover(ctx context.Context) (int, error)
	// Shutdown 停止本实例的所有会话并释放租约，状态保持不变
	Shutdown(ctx context.Context) error
}

// CleanupPublisher 取消上传后投递异步清理任务
type CleanupPublisher interface {
	PublishCleanup(ctx context.Context, msg cache.CleanupMessage) error
}

// HistoryIndexer 记录并查询终止状态的上传
type HistoryIndexer interface {
	Index(ctx context.Context, rec history.Record) error
	ListByUser(ctx context.Context, userID string, size int) ([]history.Record, error)
}

// ServiceDeps Publisher / Cleanup / History / Metrics 为可选依赖
type ServiceDeps struct {
	Store     repositories.StateStore
	Storage   storage.BlockStorage
	Publisher engine.Publisher
	Cleanup   CleanupPublisher
	History   HistoryIndexer
	Metrics   engine.Metrics
	Config    *config.Config
	NodeID    string
	Now       func() time.Time
}

// entry 本实例持有租约的一个上传
type entry struct {
	trackingID string
	leaseID    string
	session    *engine.Session
	reporter   *engine.ProgressReporter
	source     engine.ChunkSource
	stop       context.CancelFunc

	mu       sync.Mutex // 串行化控制操作与摘除
	detached bool
	gone     chan struct{} // 摘除完成后关闭
}

type uploadService struct {
	deps   ServiceDeps
	upload config.UploadConfig
	lease  config.LeaseConfig
	// 租约持有者，同一主机上的多个进程也互不相同
	holder string

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*entry
	attachMu sync.Mutex
	wg       sync.WaitGroup
}

func NewUploadService(deps ServiceDeps) UploadService {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NodeID == "" {
		deps.NodeID = "node"
	}
	base, cancel := context.WithCancel(context.Background())
	return &uploadService{
		deps:     deps,
		upload:   deps.Config.Upload,
		lease:    deps.Config.Lease,
		holder:   deps.NodeID + ":" + uuid.NewString(),
		base:     base,
		cancel:   cancel,
		sessions: make(map[string]*entry),
	}
}

// withDefaults 零值字段取配置中的默认值，然后校验
func (s *uploadService) withDefaults(opts models.ChunkingOptions) (models.ChunkingOptions, error) {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = s.upload.ChunkSize
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = s.upload.MaxRetries
	}
	if opts.RetryDelayBase == 0 {
		opts.RetryDelayBase = s.upload.RetryDelayBaseMS
	}
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = s.upload.MaxConcurrent
	}

	switch {
	case opts.ChunkSize <= 0:
		return opts, xerr.New(xerr.KindInvalidConfiguration, "chunkSize 必须大于0")
	case opts.MaxRetries < 1:
		return opts, xerr.New(xerr.KindInvalidConfiguration, "maxRetries 至少为1")
	case opts.MaxConcurrent < 1:
		return opts, xerr.New(xerr.KindInvalidConfiguration, "maxConcurrent 至少为1")
	case opts.MaxConcurrent > s.concurrencyLimit():
		return opts, xerr.New(xerr.KindInvalidConfiguration, "maxConcurrent 不能超过 %d", s.concurrencyLimit())
	case opts.RetryDelayBase < 0:
		return opts, xerr.New(xerr.KindInvalidConfiguration, "retryDelayBase 不能为负数")
	case opts.ResumeFromChunk < 0:
		return opts, xerr.New(xerr.KindInvalidConfiguration, "resumeFromChunk 不能为负数")
	}
	return opts, nil
}

func (s *uploadService) concurrencyLimit() int {
	if s.upload.MaxConcurrentLimit > 0 {
		return s.upload.MaxConcurrentLimit
	}
	return config.DefaultMaxConcurrentLimit
}

func (s *uploadService) StartUpload(ctx context.Context, metadata models.UploadMetadata, options models.ChunkingOptions) (string, error) {
	opts, err := s.withDefaults(options)
	if err != nil {
		return "", err
	}
	if opts.ResumeFromChunk > 0 {
		return s.resumeExisting(ctx, metadata.TrackingID, opts.ResumeFromChunk)
	}

	if metadata.FileName == "" || metadata.TempFilePath == "" {
		return "", xerr.New(xerr.KindInvalidConfiguration, "fileName 与 tempFilePath 不能为空")
	}
	info, err := os.Stat(metadata.TempFilePath)
	if err != nil {
		logger.Warn("StartUpload: 暂存文件不可用", zap.String("path", metadata.TempFilePath), zap.Error(err))
		return "", xerr.New(xerr.KindInvalidConfiguration, "暂存文件 %s 不可用", metadata.TempFilePath)
	}
	if metadata.FileSize == 0 {
		metadata.FileSize = info.Size()
	}
	if metadata.FileSize != info.Size() {
		return "", xerr.New(xerr.KindInvalidConfiguration, "fileSize %d 与暂存文件大小 %d 不一致", metadata.FileSize, info.Size())
	}
	if s.upload.MaxFileSize > 0 && metadata.FileSize > s.upload.MaxFileSize {
		return "", xerr.New(xerr.KindInvalidConfiguration, "文件大小 %d 超过上限 %d", metadata.FileSize, s.upload.MaxFileSize)
	}

	planned, err := engine.PlanChunks(metadata.FileSize, opts.ChunkSize, 0)
	if err != nil {
		return "", err
	}
	if err := storage.CheckPlan(s.deps.Storage.Limits(), metadata.FileSize, opts.ChunkSize); err != nil {
		return "", xerr.New(xerr.KindInvalidConfiguration, "%v", err)
	}
	if len(planned) > 0 && opts.MaxConcurrent > len(planned) {
		opts.MaxConcurrent = len(planned)
	}

	if metadata.TrackingID == "" {
		metadata.TrackingID = uuid.NewString()
	}
	if metadata.StartTime.IsZero() {
		metadata.StartTime = s.deps.Now()
	}
	trackingID := metadata.TrackingID

	target, err := s.deps.Storage.InitUpload(ctx, storage.ObjectKey(metadata.UserID, trackingID, metadata.FileName), metadata.MimeType)
	if err != nil {
		logger.Error("StartUpload: 初始化分块上传失败", zap.String("tracking_id", trackingID), zap.Error(err))
		return "", err
	}

	state := &models.UploadState{
		UserID:   metadata.UserID,
		TenantID: metadata.TenantID,
		Chunks:   make(map[int]*models.ChunkState, len(planned)),
		Control:  models.ControlState{Status: models.StatusInitializing},
		Metadata: metadata,
		Options:  opts,
		Target:   target,
	}
	for i := range planned {
		c := planned[i]
		state.Chunks[c.ID] = &c
	}
	state.Control.Project(false)
	state.Progress = engine.DeriveBase(state)

	if err := s.deps.Store.Create(ctx, state); err != nil {
		logger.Error("StartUpload: 保存上传状态失败", zap.String("tracking_id", trackingID), zap.Error(err))
		if aerr := s.deps.Storage.AbortUpload(context.WithoutCancel(ctx), target); aerr != nil {
			logger.Warn("StartUpload: 中止分块上传失败", zap.String("tracking_id", trackingID), zap.Error(aerr))
		}
		return "", err
	}

	e, err := s.attach(ctx, trackingID)
	if err != nil {
		return "", err
	}
	if _, err := s.withEntry(e, (*engine.Session).Start); err != nil {
		return "", err
	}

	logger.Info("StartUpload: 上传已启动",
		zap.String("tracking_id", trackingID),
		zap.String("file", metadata.FileName),
		zap.Int64("size", metadata.FileSize),
		zap.Int("chunks", len(planned)))
	return trackingID, nil
}

// resumeExisting 以 k 为起点继续一个已存在的上传
func (s *uploadService) resumeExisting(ctx context.Context, trackingID string, k int) (string, error) {
	if trackingID == "" {
		return "", xerr.New(xerr.KindInvalidConfiguration, "resumeFromChunk > 0 时必须提供 trackingId")
	}
	_, err := s.control(ctx, trackingID, engine.OpResume, func(sess *engine.Session) (models.ControlState, error) {
		if sess.Control().Status == models.StatusInitializing {
			if _, err := sess.Start(); err != nil {
				return sess.Control(), err
			}
		}
		return sess.ResumeFrom(k)
	})
	if err != nil {
		return "", err
	}
	return trackingID, nil
}

func (s *uploadService) Pause(ctx context.Context, trackingID string) (models.ControlState, error) {
	return s.control(ctx, trackingID, engine.OpPause, (*engine.Session).Pause)
}

func (s *uploadService) Resume(ctx context.Context, trackingID string) (models.ControlState, error) {
	return s.control(ctx, trackingID, engine.OpResume, (*engine.Session).Resume)
}

func (s *uploadService) Cancel(ctx context.Context, trackingID string) (models.ControlState, error) {
	return s.control(ctx, trackingID, engine.OpCancel, (*engine.Session).Cancel)
}

func (s *uploadService) Retry(ctx context.Context, trackingID string) (models.ControlState, error) {
	return s.control(ctx, trackingID, engine.OpRetry, (*engine.Session).Retry)
}

func (s *uploadService) GetStatus(ctx context.Context, trackingID string) (models.UploadStatusView, error) {
	if e := s.lookup(trackingID); e != nil {
		return e.session.Status(), nil
	}
	state, err := s.deps.Store.Load(ctx, trackingID)
	if err != nil {
		return models.UploadStatusView{}, err
	}
	return models.UploadStatusView{
		TrackingID: trackingID,
		FileName:   state.Metadata.FileName,
		Control:    state.Control,
		Snapshot:   engine.Snapshot(state, 0, s.deps.Now()),
		Target:     state.Target,
	}, nil
}

func (s *uploadService) History(ctx context.Context, userID string, size int) ([]history.Record, error) {
	if s.deps.History == nil {
		return nil, xerr.New(xerr.KindNotFound, "未配置上传历史")
	}
	return s.deps.History.ListByUser(ctx, userID, size)
}

// control 执行控制操作。本实例未持有的上传：终止状态或无需推进的 no-op 直接按状态机回答，
// 其余先接管租约再执行
func (s *uploadService) control(ctx context.Context, trackingID string, op engine.Op, fn func(*engine.Session) (models.ControlState, error)) (models.ControlState, error) {
	for attempt := 0; attempt < 2; attempt++ {
		e := s.lookup(trackingID)
		if e == nil {
			state, err := s.deps.Store.Load(ctx, trackingID)
			if err != nil {
				return models.ControlState{}, err
			}
			if answered, err := answerDetached(state.Control.Status, op); answered {
				return state.Control, err
			}
			if e, err = s.attach(ctx, trackingID); err != nil {
				return state.Control, err
			}
		}

		ctrl, err := s.withEntry(e, fn)
		if errors.Is(err, errDetached) {
			select {
			case <-e.gone:
			case <-ctx.Done():
				return models.ControlState{}, ctx.Err()
			}
			continue
		}
		return ctrl, err
	}
	return models.ControlState{}, xerr.New(xerr.KindLeaseConflict, "上传 %s 正在切换实例，请稍后重试", trackingID)
}

// answerDetached 判断操作能否不接管就回答：非法跳转与 no-op 直接返回
func answerDetached(status models.UploadStatus, op engine.Op) (bool, error) {
	switch {
	case op == engine.OpRetry && status == models.StatusFailed:
		return false, nil
	case op == engine.OpResume && status == models.StatusRunning:
		// 无人推进的 Running 上传，接管后继续
		return false, nil
	}
	_, changed, err := engine.Transition(status, op)
	return err != nil || !changed, err
}

var errDetached = errors.New("session detached")

func (s *uploadService) withEntry(e *entry, fn func(*engine.Session) (models.ControlState, error)) (models.ControlState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detached {
		return models.ControlState{}, errDetached
	}
	return fn(e.session)
}

func (s *uploadService) lookup(trackingID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[trackingID]
}

// attach 取得租约并在本实例上建立会话
func (s *uploadService) attach(ctx context.Context, trackingID string) (*entry, error) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	if e := s.lookup(trackingID); e != nil {
		return e, nil
	}

	leaseID := s.holder
	if err := s.deps.Store.AcquireLease(ctx, trackingID, leaseID, s.lease.TTL); err != nil {
		logger.Warn("attach: 获取租约失败", zap.String("tracking_id", trackingID), zap.Error(err))
		return nil, err
	}
	state, err := s.deps.Store.Load(ctx, trackingID)
	if err != nil {
		_ = s.deps.Store.ReleaseLease(context.WithoutCancel(ctx), trackingID, leaseID)
		return nil, err
	}
	state.Control.Locked = true
	state.Control.LeaseID = leaseID

	e := s.newEntry(state, leaseID)
	s.mu.Lock()
	s.sessions[trackingID] = e
	s.mu.Unlock()

	hbCtx, stop := context.WithCancel(s.base)
	e.stop = stop
	s.wg.Add(1)
	go s.heartbeat(hbCtx, e)
	return e, nil
}

func (s *uploadService) newEntry(state *models.UploadState, leaseID string) *entry {
	trackingID := state.Metadata.TrackingID
	log := logger.With(zap.String("tracking_id", trackingID))
	// 旧记录可能带着超出当前上限的并发数
	if limit := s.concurrencyLimit(); state.Options.MaxConcurrent > limit {
		state.Options.MaxConcurrent = limit
	}
	e := &entry{
		trackingID: trackingID,
		leaseID:    leaseID,
		source:     engine.NewFileChunkSource(state.Metadata.TempFilePath),
		reporter:   engine.NewProgressReporter(trackingID, s.upload.SpeedWindow, s.deps.Publisher, log),
		stop:       func() {},
		gone:       make(chan struct{}),
	}
	e.session = engine.NewSession(s.base, state, engine.SessionDeps{
		Uploader: engine.NewBlockUploader(e.source, s.deps.Storage, state.Target, s.upload.ChunkTimeout),
		Commit:   engine.NewCommitCoordinator(s.deps.Storage, s.upload.CommitRetries, s.upload.CommitRetryDelay),
		Retry:    engine.NewRetryPolicy(state.Options, s.upload.MaxRetryDelay),
		Reporter: e.reporter,
		Saver:    s.deps.Store,
		Metrics:  s.deps.Metrics,
		Logger:   log,
		Now:      s.deps.Now,
		OnTerminal: func(final *models.UploadState) {
			s.wg.Add(1)
			go s.finish(e, final)
		},
	})
	return e
}

// heartbeat 定期续租，租约被抢占时放弃本地会话
func (s *uploadService) heartbeat(ctx context.Context, e *entry) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.lease.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.deps.Store.RenewLease(ctx, e.trackingID, e.leaseID, s.lease.TTL)
			if err == nil {
				continue
			}
			if xerr.KindOf(err) == xerr.KindLeaseConflict || xerr.KindOf(err) == xerr.KindNotFound {
				logger.Warn("heartbeat: 租约已丢失，放弃本地会话", zap.String("tracking_id", e.trackingID), zap.Error(err))
				s.detach(e, false)
				return
			}
			logger.Warn("heartbeat: 续租失败", zap.String("tracking_id", e.trackingID), zap.Error(err))
		}
	}
}

// detach 从本实例摘除会话。releaseLease 为 false 时租约已不属于本实例
func (s *uploadService) detach(e *entry, releaseLease bool) {
	e.mu.Lock()
	already := e.detached
	e.detached = true
	e.mu.Unlock()
	if !already {
		s.teardown(e, releaseLease)
	}
}

func (s *uploadService) teardown(e *entry, releaseLease bool) {
	defer close(e.gone)
	s.mu.Lock()
	if s.sessions[e.trackingID] == e {
		delete(s.sessions, e.trackingID)
	}
	s.mu.Unlock()

	e.stop()
	e.session.Abandon()
	<-e.session.Stopped()
	e.reporter.Close()
	if err := e.source.Close(); err != nil {
		logger.Warn("teardown: 关闭暂存文件失败", zap.String("tracking_id", e.trackingID), zap.Error(err))
	}
	if releaseLease {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.deps.Store.ReleaseLease(ctx, e.trackingID, e.leaseID); err != nil {
			logger.Warn("teardown: 释放租约失败", zap.String("tracking_id", e.trackingID), zap.Error(err))
		}
	}
}

// finish 处理进入终止状态的上传：摘除会话、释放租约、清理暂存文件、记录历史
func (s *uploadService) finish(e *entry, final *models.UploadState) {
	defer s.wg.Done()

	e.mu.Lock()
	if !e.session.Control().Status.IsTerminal() {
		// 已被 retry 重新拉起
		e.mu.Unlock()
		return
	}
	already := e.detached
	e.detached = true
	e.mu.Unlock()
	if !already {
		s.teardown(e, true)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log := logger.With(zap.String("tracking_id", e.trackingID), zap.String("status", string(final.Control.Status)))

	switch final.Control.Status {
	case models.StatusCompleted:
		s.removeTemp(final.Metadata.TempFilePath)
	case models.StatusCancelled:
		s.cleanupCancelled(ctx, final)
	case models.StatusFailed:
		if !s.upload.KeepFailedTemp {
			s.removeTemp(final.Metadata.TempFilePath)
		}
	}

	if s.deps.History != nil {
		if err := s.deps.History.Index(ctx, history.RecordFromState(final, s.deps.Now())); err != nil {
			log.Warn("finish: 记录上传历史失败", zap.Error(err))
		}
	}
	log.Info("finish: 上传结束", zap.Int("retry_count", final.Control.RetryCount))
}

// cleanupCancelled 优先投递到清理队列，没有队列时就地中止分块上传
func (s *uploadService) cleanupCancelled(ctx context.Context, final *models.UploadState) {
	if s.deps.Cleanup != nil {
		err := s.deps.Cleanup.PublishCleanup(ctx, cache.CleanupMessage{
			TrackingID:   final.Metadata.TrackingID,
			Target:       final.Target,
			TempFilePath: final.Metadata.TempFilePath,
			Reason:       "cancelled",
			CreatedAt:    s.deps.Now(),
		})
		if err == nil {
			return
		}
		logger.Warn("cleanupCancelled: 投递清理任务失败，改为同步清理", zap.String("tracking_id", final.Metadata.TrackingID), zap.Error(err))
	}
	if err := s.deps.Storage.AbortUpload(ctx, final.Target); err != nil {
		logger.Warn("cleanupCancelled: 中止分块上传失败", zap.String("tracking_id", final.Metadata.TrackingID), zap.Error(err))
	}
	s.removeTemp(final.Metadata.TempFilePath)
}

func (s *uploadService) removeTemp(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("removeTemp: 删除暂存文件失败", zap.String("path", path), zap.Error(err))
	}
}

func (s *uploadService) Recover(ctx context.Context) (int, error) {
	ids, err := s.deps.Store.ListRecoverable(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		e, err := s.attach(ctx, id)
		if err != nil {
			logger.Warn("Recover: 跳过上传", zap.String("tracking_id", id), zap.Error(err))
			continue
		}
		path := e.session.State().Metadata.TempFilePath
		if _, statErr := os.Stat(path); statErr != nil {
			cause := xerr.New(xerr.KindInvalidConfiguration, "恢复时暂存文件 %s 已不存在", path)
			_, _ = s.withEntry(e, func(sess *engine.Session) (models.ControlState, error) {
				return sess.Fail(cause)
			})
			continue
		}
		if _, err := s.withEntry(e, (*engine.Session).Start); err != nil {
			logger.Warn("Recover: 启动会话失败", zap.String("tracking_id", id), zap.Error(err))
			continue
		}
		recovered++
	}
	logger.Info("Recover: 已接管未完成的上传", zap.Int("count", recovered), zap.Int("candidates", len(ids)))
	return recovered, nil
}

func (s *uploadService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		s.detach(e, true)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
