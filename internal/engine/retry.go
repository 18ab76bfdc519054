package engine

import (
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
)

// RetryPolicy 分片级重试策略：第 n 次失败后等待 base * 2^(n-1)
type RetryPolicy struct {
	MaxRetries int           // 每个分片最多的尝试次数
	BaseDelay  time.Duration // 首次重试的等待时间
	MaxDelay   time.Duration // 0 表示不封顶
}

// NewRetryPolicy 由分片参数构造重试策略
func NewRetryPolicy(opts models.ChunkingOptions, maxDelay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries: opts.MaxRetries,
		BaseDelay:  time.Duration(opts.RetryDelayBase) * time.Millisecond,
		MaxDelay:   maxDelay,
	}
}

// Decide 根据失败的尝试次数与错误分类决定是否重试以及等待多久
func (p RetryPolicy) Decide(meta models.RetryMetadata) (bool, time.Duration) {
	if !xerr.IsRetryable(xerr.KindOf(meta.LastError)) {
		return false, 0
	}
	if meta.Attempt >= p.MaxRetries {
		return false, 0
	}
	return true, p.Delay(meta.Attempt)
}

// Delay 第 attempt 次失败后的退避时间
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d <= 0 { // 溢出
			if p.MaxDelay > 0 {
				return p.MaxDelay
			}
			return time.Duration(1<<63 - 1)
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
