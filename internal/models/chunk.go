package models

import "time"

// 分片数据表，每个上传任务的每个分片一行
type Chunk struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	TrackingID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_chunk_tracking_index" json:"tracking_id"`
	ChunkIndex int       `gorm:"not null;uniqueIndex:idx_chunk_tracking_index" json:"chunk_index"`
	StartByte  int64     `gorm:"not null" json:"start_byte"`
	EndByte    int64     `gorm:"not null" json:"end_byte"`
	Size       int64     `gorm:"not null" json:"size"`
	Status     string    `gorm:"type:varchar(16);not null;default:'pending'" json:"status"`
	Attempts   int       `gorm:"not null;default:0" json:"attempts"`
	RetryBase  int       `gorm:"not null;default:0" json:"retry_base"`
	BlockID    string    `gorm:"type:varchar(255)" json:"block_id"`
	Error      string    `gorm:"type:text" json:"error"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定 GORM 使用的表名
func (Chunk) TableName() string {
	return "chunks"
}
