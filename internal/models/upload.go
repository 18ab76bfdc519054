package models

import "time"

// ChunkStatus 分片状态
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkUploading ChunkStatus = "uploading"
	ChunkSucceeded ChunkStatus = "succeeded"
	ChunkFailed    ChunkStatus = "failed"
)

// ChunkState 描述源文件中的一个连续字节区间 [Start, End)
type ChunkState struct {
	ID        int         `json:"id"`
	Start     int64       `json:"start"`
	End       int64       `json:"end"`
	Size      int64       `json:"size"`
	Status    ChunkStatus `json:"status"`
	Attempts  int         `json:"attempts"`
	BlockID   string      `json:"blockId,omitempty"`
	Error     string      `json:"error,omitempty"`
	RetryBase int         `json:"retryBase"` // 最近一次手动 retry 时的 Attempts，重试预算从这里重新计数
}

// BudgetAttempts 返回计入重试预算的尝试次数
func (c *ChunkState) BudgetAttempts() int {
	return c.Attempts - c.RetryBase
}

// UploadStatus 上传的控制状态
type UploadStatus string

const (
	StatusInitializing UploadStatus = "initializing"
	StatusRunning      UploadStatus = "running"
	StatusPaused       UploadStatus = "paused"
	StatusRetrying     UploadStatus = "retrying" // 仅用于对外展示：Running 且存在待重试的分片
	StatusCompleted    UploadStatus = "completed"
	StatusCancelled    UploadStatus = "cancelled"
	StatusFailed       UploadStatus = "failed"
)

// IsTerminal Completed / Cancelled / Failed 不会再推进
func (s UploadStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// ControlState 上传的控制面状态。Status 是唯一的真实来源，布尔字段由它投影得到
type ControlState struct {
	Status             UploadStatus `json:"status"`
	IsRunning          bool         `json:"isRunning"`
	IsPaused           bool         `json:"isPaused"`
	IsCancelled        bool         `json:"isCancelled"`
	IsCompleted        bool         `json:"isCompleted"`
	IsFailed           bool         `json:"isFailed"`
	IsRetrying         bool         `json:"isRetrying"`
	RetryCount         int          `json:"retryCount"`
	LastRetryTimestamp int64        `json:"lastRetryTimestamp"` // 毫秒
	LastError          string       `json:"lastError,omitempty"`
	Locked             bool         `json:"locked"`
	LeaseID            string       `json:"leaseId,omitempty"`
}

// Project 根据 Status 与 retrying 标记刷新布尔投影
func (c *ControlState) Project(retrying bool) {
	c.IsRunning = c.Status == StatusRunning
	c.IsPaused = c.Status == StatusPaused
	c.IsCancelled = c.Status == StatusCancelled
	c.IsCompleted = c.Status == StatusCompleted
	c.IsFailed = c.Status == StatusFailed
	c.IsRetrying = c.IsRunning && retrying
}

// DisplayStatus 对外展示的状态，Running 且正在重试时显示为 retrying
func (c *ControlState) DisplayStatus() UploadStatus {
	if c.IsRetrying {
		return StatusRetrying
	}
	return c.Status
}

// UploadMetadata 上传创建后不可变的元数据
type UploadMetadata struct {
	UserID       string    `json:"userId"`
	TenantID     string    `json:"tenantId"`
	TrackingID   string    `json:"trackingId"`
	FileName     string    `json:"fileName"`
	FileSize     int64     `json:"fileSize"`
	MimeType     string    `json:"mimeType"`
	Category     string    `json:"category,omitempty"`
	AccessLevel  string    `json:"accessLevel,omitempty"`
	Retention    string    `json:"retention,omitempty"`
	StartTime    time.Time `json:"startTime"`
	TempFilePath string    `json:"tempFilePath"`
}

// ChunkingOptions 单个上传的分片参数
type ChunkingOptions struct {
	ChunkSize       int64 `json:"chunkSize"`
	MaxRetries      int   `json:"maxRetries"`
	RetryDelayBase  int64 `json:"retryDelayBase"` // 毫秒
	MaxConcurrent   int   `json:"maxConcurrent"`
	ResumeFromChunk int   `json:"resumeFromChunk"`
}

// UploadTarget 绑定到目标对象的存储句柄
type UploadTarget struct {
	Backend  string `json:"backend"`
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

// BaseProgress 进度中不依赖时间的部分，从分片表推导
type BaseProgress struct {
	ChunksCompleted int     `json:"chunksCompleted"`
	TotalChunks     int     `json:"totalChunks"`
	UploadedBytes   int64   `json:"uploadedBytes"`
	TotalBytes      int64   `json:"totalBytes"`
	Progress        float64 `json:"progress"`
}

// UploadState 单个上传的完整记录
type UploadState struct {
	UserID   string              `json:"userId"`
	TenantID string              `json:"tenantId"`
	Chunks   map[int]*ChunkState `json:"chunks"`
	Control  ControlState        `json:"control"`
	Metadata UploadMetadata      `json:"metadata"`
	Options  ChunkingOptions     `json:"options"`
	Progress BaseProgress        `json:"progress"`
	BlockIDs []string            `json:"blockIds"`
	Target   UploadTarget        `json:"target"`
	Version  int64               `json:"version"`
}

// TrackingID 上传任务的唯一标识
func (s *UploadState) TrackingID() string {
	return s.Metadata.TrackingID
}

// Clone 深拷贝，供持久化与对外读取使用
func (s *UploadState) Clone() *UploadState {
	out := *s
	out.Chunks = make(map[int]*ChunkState, len(s.Chunks))
	for id, c := range s.Chunks {
		cc := *c
		out.Chunks[id] = &cc
	}
	out.BlockIDs = append([]string(nil), s.BlockIDs...)
	return &out
}

// ChunkUploadResult 一次分片上传尝试的结果
type ChunkUploadResult struct {
	ChunkID   int
	BlockID   string
	Attempts  int
	Duration  time.Duration
	StartedAt time.Time
	Success   bool
	Err       error
}

// RetryMetadata 重试决策的输入
type RetryMetadata struct {
	ChunkID   int
	Attempt   int
	Total     int
	LastError error
	Timestamp time.Time
}

// ProgressSnapshot 发布给观察者的进度快照
type ProgressSnapshot struct {
	TrackingID             string       `json:"trackingId"`
	Progress               float64      `json:"progress"`
	ChunksCompleted        int          `json:"chunksCompleted"`
	TotalChunks            int          `json:"totalChunks"`
	UploadedBytes          int64        `json:"uploadedBytes"`
	TotalBytes             int64        `json:"totalBytes"`
	UploadSpeed            float64      `json:"uploadSpeed"`            // 字节/秒
	EstimatedTimeRemaining float64      `json:"estimatedTimeRemaining"` // 秒
	Status                 UploadStatus `json:"status"`
	Timestamp              int64        `json:"timestamp"` // 毫秒
}

// UploadStatusView GetStatus 的返回值
type UploadStatusView struct {
	TrackingID string           `json:"trackingId"`
	FileName   string           `json:"fileName"`
	Control    ControlState     `json:"control"`
	Snapshot   ProgressSnapshot `json:"snapshot"`
	Target     UploadTarget     `json:"target"`
}
