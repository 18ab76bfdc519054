package engine

import (
	"context"
	"sync"
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"go.uber.org/zap"
)

// Publisher 进度快照的外部传输，例如 Redis 频道
type Publisher interface {
	Publish(ctx context.Context, trackingID string, snap models.ProgressSnapshot) error
}

// DeriveBase 从分片表推导进度中不依赖时间的部分
func DeriveBase(state *models.UploadState) models.BaseProgress {
	p := models.BaseProgress{
		TotalChunks: len(state.Chunks),
		TotalBytes:  state.Metadata.FileSize,
	}
	for _, c := range state.Chunks {
		if c.Status == models.ChunkSucceeded {
			p.ChunksCompleted++
			p.UploadedBytes += c.Size
		}
	}
	if state.Control.Status == models.StatusCompleted {
		p.Progress = 100
	} else if p.TotalChunks > 0 {
		// 按分片数计算，末尾短分片与其他分片同权
		p.Progress = float64(p.ChunksCompleted) / float64(p.TotalChunks) * 100
	}
	return p
}

// Snapshot 组装对外发布的快照。speed 为 0 时 ETA 为 0
func Snapshot(state *models.UploadState, speed float64, now time.Time) models.ProgressSnapshot {
	base := DeriveBase(state)
	eta := 0.0
	if speed > 0 {
		eta = float64(base.TotalBytes-base.UploadedBytes) / speed
	}
	return models.ProgressSnapshot{
		TrackingID:             state.Metadata.TrackingID,
		Progress:               base.Progress,
		ChunksCompleted:        base.ChunksCompleted,
		TotalChunks:            base.TotalChunks,
		UploadedBytes:          base.UploadedBytes,
		TotalBytes:             base.TotalBytes,
		UploadSpeed:            speed,
		EstimatedTimeRemaining: eta,
		Status:                 state.Control.DisplayStatus(),
		Timestamp:              now.UnixMilli(),
	}
}

type speedSample struct {
	bytes int64
	start time.Time
	end   time.Time
}

// ProgressReporter 维护速度滑动窗口，并以“只保留最新”的方式异步发布快照，
// Emit 永远不会阻塞调度循环
type ProgressReporter struct {
	trackingID string
	publisher  Publisher
	log        *zap.Logger

	mu      sync.Mutex
	window  int
	samples []speedSample
	last    models.ProgressSnapshot

	pending chan models.ProgressSnapshot
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewProgressReporter publisher 为 nil 时只维护最新快照
func NewProgressReporter(trackingID string, window int, publisher Publisher, log *zap.Logger) *ProgressReporter {
	if window <= 0 {
		window = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &ProgressReporter{
		trackingID: trackingID,
		publisher:  publisher,
		log:        log,
		window:     window,
		pending:    make(chan models.ProgressSnapshot, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go p.forward()
	return p
}

// RecordChunk 记录一个完成的分片，用于计算速度
func (p *ProgressReporter) RecordChunk(bytes int64, start, end time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, speedSample{bytes: bytes, start: start, end: end})
	if len(p.samples) > p.window {
		p.samples = p.samples[len(p.samples)-p.window:]
	}
}

// Speed 最近窗口内完成的字节数除以这些分片覆盖的墙钟时间，单位 字节/秒
func (p *ProgressReporter) Speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.samples) == 0 {
		return 0
	}
	var total int64
	first, last := p.samples[0].start, p.samples[0].end
	for _, s := range p.samples {
		total += s.bytes
		if s.start.Before(first) {
			first = s.start
		}
		if s.end.After(last) {
			last = s.end
		}
	}
	elapsed := last.Sub(first).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total) / elapsed
}

// Emit 记录最新快照并投递给发布协程；上一条尚未发出时直接被替换
func (p *ProgressReporter) Emit(snap models.ProgressSnapshot) {
	p.mu.Lock()
	p.last = snap
	p.mu.Unlock()

	if p.publisher == nil {
		return
	}
	for {
		select {
		case p.pending <- snap:
			return
		default:
		}
		select {
		case <-p.pending:
		default:
		}
	}
}

// Last 返回最近一次 Emit 的快照
func (p *ProgressReporter) Last() models.ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *ProgressReporter) forward() {
	defer close(p.done)
	for {
		select {
		case snap := <-p.pending:
			p.publish(snap)
		case <-p.stop:
			// 关闭前把最后一条快照发出去，观察者据此看到最终状态
			select {
			case snap := <-p.pending:
				p.publish(snap)
			default:
			}
			return
		}
	}
}

func (p *ProgressReporter) publish(snap models.ProgressSnapshot) {
	if p.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.publisher.Publish(ctx, p.trackingID, snap); err != nil {
		p.log.Warn("ProgressReporter: 发布进度失败", zap.Error(err))
	}
}

// Close 停止发布协程并等待最后一条快照发出
func (p *ProgressReporter) Close() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}
