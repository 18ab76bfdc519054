package xerr

import "errors"

var (
	ErrInternalServer = errors.New("服务器内部错误")
	ErrInvalidParams  = errors.New("无效的请求参数")

	// 上传引擎错误
	ErrInvalidConfiguration   = errors.New("分片上传配置非法")
	ErrTransientIO            = errors.New("临时性IO错误")
	ErrPermissionDenied       = errors.New("存储后端拒绝访问")
	ErrQuotaExceeded          = errors.New("存储配额已用尽")
	ErrLeaseConflict          = errors.New("上传任务已被其他实例锁定")
	ErrInvalidStateTransition = errors.New("当前上传状态不允许该操作")
	ErrCommitFailed           = errors.New("合并分块失败")
	ErrChunkRetriesExhausted  = errors.New("分块重试次数已耗尽")
	ErrUploadCancelled        = errors.New("上传已取消")

	ErrUploadSessionNotFound = errors.New("上传会话不存在或已过期")

	// 数据库与外部服务错误
	ErrDatabaseError = errors.New("数据库操作失败")
	ErrStorageError  = errors.New("存储服务操作失败")
)
