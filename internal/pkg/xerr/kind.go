package xerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind 是上传引擎的错误分类，决定重试策略与对外的状态码
type Kind string

const (
	KindInternal               Kind = "Internal"
	KindInvalidConfiguration   Kind = "InvalidConfiguration"
	KindTransientIO            Kind = "TransientIO"
	KindPermissionDenied       Kind = "PermissionDenied"
	KindQuotaExceeded          Kind = "QuotaExceeded"
	KindLeaseConflict          Kind = "LeaseConflict"
	KindInvalidStateTransition Kind = "InvalidStateTransition"
	KindCommitFailed           Kind = "CommitFailed"
	KindChunkRetriesExhausted  Kind = "ChunkRetriesExhausted"
	KindNotFound               Kind = "NotFound"
	KindCancelled              Kind = "Cancelled"
)

var kindSentinels = map[Kind]error{
	KindInternal:               ErrInternalServer,
	KindInvalidConfiguration:   ErrInvalidConfiguration,
	KindTransientIO:            ErrTransientIO,
	KindPermissionDenied:       ErrPermissionDenied,
	KindQuotaExceeded:          ErrQuotaExceeded,
	KindLeaseConflict:          ErrLeaseConflict,
	KindInvalidStateTransition: ErrInvalidStateTransition,
	KindCommitFailed:           ErrCommitFailed,
	KindChunkRetriesExhausted:  ErrChunkRetriesExhausted,
	KindNotFound:               ErrUploadSessionNotFound,
	KindCancelled:              ErrUploadCancelled,
}

var kindCodes = map[Kind]int{
	KindInternal:               InternalServerErrorCode,
	KindInvalidConfiguration:   InvalidConfigurationCode,
	KindTransientIO:            TransientIOCode,
	KindPermissionDenied:       PermissionDeniedCode,
	KindQuotaExceeded:          QuotaExceededCode,
	KindLeaseConflict:          LeaseConflictCode,
	KindInvalidStateTransition: InvalidStateTransitionCode,
	KindCommitFailed:           CommitFailedCode,
	KindChunkRetriesExhausted:  ChunkRetriesExhaustedCode,
	KindNotFound:               UploadSessionNotFoundCode,
	KindCancelled:              UploadCancelledCode,
}

// New 创建指定分类的错误，message 为空时使用该分类的默认描述
func New(kind Kind, format string, args ...any) *CodeError {
	sentinel := kindSentinels[kind]
	if sentinel == nil {
		sentinel = ErrInternalServer
	}
	if format == "" {
		return &CodeError{Code: kindCodes[kind], Kind: kind, Err: sentinel}
	}
	return &CodeError{
		Code: kindCodes[kind],
		Kind: kind,
		Err:  fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)),
	}
}

// Wrap 为底层错误打上分类；err 已带分类时保持原分类
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return err
	}
	return &CodeError{Code: kindCodes[kind], Kind: kind, Err: err}
}

// KindOf 推断错误分类。未分类的网络错误与超时视为 TransientIO，
// 其他未知错误同样按 TransientIO 处理，由重试预算兜底。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *CodeError
	if errors.As(err, &ce) && ce.Kind != "" {
		return ce.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientIO
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientIO
	}
	return KindTransientIO
}

// IsRetryable 判断该分类的错误能否重试
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindInvalidConfiguration, KindPermissionDenied, KindQuotaExceeded,
		KindCancelled, KindLeaseConflict, KindInvalidStateTransition, KindNotFound:
		return false
	}
	return true
}

// CodeOf 返回错误对应的业务码
func CodeOf(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) && ce.Code != 0 {
		return ce.Code
	}
	if code, ok := kindCodes[KindOf(err)]; ok {
		return code
	}
	return InternalServerErrorCode
}
