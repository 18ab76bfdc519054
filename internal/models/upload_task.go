package models

import (
	"time"
)

// UploadTask 对应 upload_tasks 表，持久化断点续传任务及其租约
type UploadTask struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TrackingID     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"tracking_id"`
	UserID         string     `gorm:"type:varchar(64);not null;index" json:"user_id"`
	TenantID       string     `gorm:"type:varchar(64);index" json:"tenant_id"`
	Filename       string     `gorm:"type:varchar(255);not null" json:"filename"`
	FileSize       int64      `gorm:"type:bigint;not null" json:"file_size"`
	MimeType       string     `gorm:"type:varchar(128)" json:"mime_type"`
	Category       string     `gorm:"type:varchar(64)" json:"category"`
	AccessLevel    string     `gorm:"type:varchar(32)" json:"access_level"`
	Retention      string     `gorm:"type:varchar(64)" json:"retention"`
	TempFilePath   string     `gorm:"type:varchar(500);not null" json:"temp_file_path"`
	StartTime      time.Time  `json:"start_time"`
	Options        string     `gorm:"type:text" json:"options"` // ChunkingOptions JSON
	Status         string     `gorm:"type:varchar(20);not null;index" json:"status"`
	IsRetrying     bool       `json:"is_retrying"`
	RetryCount     int        `json:"retry_count"`
	LastRetryAt    int64      `json:"last_retry_at"`
	LastError      string     `gorm:"type:text" json:"last_error"`
	Target         string     `gorm:"type:text" json:"target"`    // UploadTarget JSON
	BlockIDs       string     `gorm:"type:text" json:"block_ids"` // []string JSON
	UploadedSize   int64      `gorm:"type:bigint;not null;default:0" json:"uploaded_size"`
	Version        int64      `gorm:"not null;default:0" json:"version"`
	LeaseID        string     `gorm:"type:varchar(64);index" json:"lease_id"`
	LeaseExpiresAt *time.Time `gorm:"index" json:"lease_expires_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定 GORM 使用的表名
func (UploadTask) TableName() string {
	return "upload_tasks"
}
