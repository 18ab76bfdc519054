package engine

import (
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
)

// Metrics 上传引擎的指标接口，nil 表示不采集
type Metrics interface {
	ObserveChunk(success bool, bytes int64, d time.Duration)
	RecordRetry(kind string)
	ObserveCommit(d time.Duration, err error)
	AddInFlight(delta int)
	RecordOutcome(status models.UploadStatus)
}

type nopMetrics struct{}

func (nopMetrics) ObserveChunk(bool, int64, time.Duration) {}
func (nopMetrics) RecordRetry(string)                      {}
func (nopMetrics) ObserveCommit(time.Duration, error)      {}
func (nopMetrics) AddInFlight(int)                         {}
func (nopMetrics) RecordOutcome(models.UploadStatus)       {}
