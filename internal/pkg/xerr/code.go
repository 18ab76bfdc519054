package xerr

// 定义了统一的业务错误码
const (
	SuccessCode = 20000 // 通用成功码

	// --- 客户端请求错误系列 (400xx) ---
	InvalidParamsCode        = 40000 // 无效的请求参数
	InvalidConfigurationCode = 40001 // 分片配置非法 (chunkSize / maxConcurrent 等)
	FileTooLargeCode         = 40003 // 文件过大

	// --- 权限与配额 (403xx) ---
	PermissionDeniedCode = 40301 // 存储后端拒绝访问
	QuotaExceededCode    = 40302 // 存储配额不足

	// --- 资源未找到错误系列 (404xx) ---
	NotFoundCode              = 40400 // 通用资源未找到
	UploadSessionNotFoundCode = 40406 // 上传会话不存在

	// --- 状态冲突系列 (409xx) ---
	LeaseConflictCode          = 40901 // 其他实例持有该上传的租约
	InvalidStateTransitionCode = 40902 // 当前状态不允许该操作
	UploadCancelledCode        = 40903 // 上传已取消

	// --- 服务器内部错误系列 (500xx) ---
	InternalServerErrorCode   = 50000 // 服务器内部通用错误
	DatabaseErrorCode         = 50001 // 数据库操作失败
	StorageErrorCode          = 50002 // 存储服务操作失败（如MinIO）
	CommitFailedCode          = 50004 // 合并分块失败
	ChunkRetriesExhaustedCode = 50005 // 分块重试次数耗尽
	TransientIOCode           = 50301 // 可重试的临时性IO错误
)
