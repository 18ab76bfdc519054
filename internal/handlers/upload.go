package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/logger"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
	"github.com/3Eeeecho/go-chunkupload/internal/services/upload"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StartUploadHandler 接收文件并启动分片上传
// @Summary 启动分片上传
// @Description 文件先暂存到本地，再按分片并发上传到存储后端。resume_from_chunk > 0 时继续已有的上传，不需要文件
// @Tags 分片上传
// @Accept multipart/form-data
// @Produce json
// @Param file formData file false "文件内容"
// @Param user_id formData string true "用户ID"
// @Param tracking_id formData string false "上传标识，续传时必填"
// @Param chunk_size formData int false "分片大小(字节)"
// @Param max_retries formData int false "单个分片最大尝试次数"
// @Param retry_delay_base formData int false "重试退避基数(毫秒)"
// @Param max_concurrent formData int false "最大并发分片数"
// @Param resume_from_chunk formData int false "从第几个分片继续"
// @Success 200 {object} xerr.Response "上传已启动"
// @Failure 400 {object} xerr.Response "参数错误"
// @Failure 409 {object} xerr.Response "状态冲突"
// @Router /api/v1/uploads [post]
func StartUploadHandler(uploadService upload.UploadService, tempDir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts, err := bindChunkingOptions(c)
		if err != nil {
			xerr.AbortWithError(c, http.StatusBadRequest, xerr.InvalidParamsCode, err.Error())
			return
		}
		meta := models.UploadMetadata{
			UserID:      c.PostForm("user_id"),
			TenantID:    c.PostForm("tenant_id"),
			TrackingID:  c.PostForm("tracking_id"),
			Category:    c.PostForm("category"),
			AccessLevel: c.PostForm("access_level"),
			Retention:   c.PostForm("retention"),
		}

		// 续传已有的上传，文件已在暂存目录中
		if opts.ResumeFromChunk > 0 {
			trackingID, err := uploadService.StartUpload(c.Request.Context(), meta, opts)
			if err != nil {
				xerr.FromError(c, err)
				return
			}
			xerr.Success(c, http.StatusOK, "Upload resumed", gin.H{"trackingId": trackingID})
			return
		}

		if meta.UserID == "" {
			xerr.AbortWithError(c, http.StatusBadRequest, xerr.InvalidParamsCode, "user_id is required")
			return
		}
		file, err := c.FormFile("file")
		if err != nil {
			xerr.AbortWithError(c, http.StatusBadRequest, xerr.InvalidParamsCode, "File not found in form")
			return
		}

		if err := os.MkdirAll(tempDir, 0o755); err != nil {
			logger.Error("StartUploadHandler: 创建暂存目录失败", zap.String("dir", tempDir), zap.Error(err))
			xerr.AbortWithError(c, http.StatusInternalServerError, xerr.InternalServerErrorCode, "Failed to prepare temp dir")
			return
		}
		tempPath := filepath.Join(tempDir, uuid.NewString()+"-"+filepath.Base(file.Filename))
		if err := c.SaveUploadedFile(file, tempPath); err != nil {
			logger.Error("StartUploadHandler: 暂存文件失败", zap.String("path", tempPath), zap.Error(err))
			xerr.AbortWithError(c, http.StatusInternalServerError, xerr.InternalServerErrorCode, "Failed to save file")
			return
		}

		meta.FileName = file.Filename
		meta.FileSize = file.Size
		meta.MimeType = file.Header.Get("Content-Type")
		meta.TempFilePath = tempPath

		trackingID, err := uploadService.StartUpload(c.Request.Context(), meta, opts)
		if err != nil {
			_ = os.Remove(tempPath)
			xerr.FromError(c, err)
			return
		}
		xerr.Success(c, http.StatusOK, "Upload started", gin.H{"trackingId": trackingID})
	}
}

// bindChunkingOptions 读取表单中的分片选项，缺省为 0 表示使用服务端默认值
func bindChunkingOptions(c *gin.Context) (models.ChunkingOptions, error) {
	var opts models.ChunkingOptions
	var err error
	if opts.ChunkSize, err = formInt(c, "chunk_size"); err != nil {
		return opts, err
	}
	if opts.RetryDelayBase, err = formInt(c, "retry_delay_base"); err != nil {
		return opts, err
	}
	n, err := formInt(c, "max_retries")
	if err != nil {
		return opts, err
	}
	opts.MaxRetries = int(n)
	if n, err = formInt(c, "max_concurrent"); err != nil {
		return opts, err
	}
	opts.MaxConcurrent = int(n)
	if n, err = formInt(c, "resume_from_chunk"); err != nil {
		return opts, err
	}
	opts.ResumeFromChunk = int(n)
	return opts, nil
}

func formInt(c *gin.Context, name string) (int64, error) {
	v := c.PostForm(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, xerr.New(xerr.KindInvalidConfiguration, "invalid %s", name)
	}
	return n, nil
}

// controlHandler 暂停/恢复/取消/重试共用的处理逻辑
func controlHandler(op func(c *gin.Context, trackingID string) (models.ControlState, error), message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctrl, err := op(c, c.Param("id"))
		if err != nil {
			xerr.FromError(c, err)
			return
		}
		xerr.Success(c, http.StatusOK, message, ctrl)
	}
}

// PauseUploadHandler 暂停上传
// @Summary 暂停上传
// @Tags 分片上传
// @Produce json
// @Param id path string true "上传标识"
// @Success 200 {object} xerr.Response "已暂停"
// @Failure 409 {object} xerr.Response "状态冲突"
// @Router /api/v1/uploads/{id}/pause [post]
func PauseUploadHandler(uploadService upload.UploadService) gin.HandlerFunc {
	return controlHandler(func(c *gin.Context, id string) (models.ControlState, error) {
		return uploadService.Pause(c.Request.Context(), id)
	}, "Upload paused")
}

// ResumeUploadHandler 恢复上传
// @Summary 恢复上传
// @Tags 分片上传
// @Produce json
// @Param id path string true "上传标识"
// @Success 200 {object} xerr.Response "已恢复"
// @Failure 409 {object} xerr.Response "状态冲突"
// @Router /api/v1/uploads/{id}/resume [post]
func ResumeUploadHandler(uploadService upload.UploadService) gin.HandlerFunc {
	return controlHandler(func(c *gin.Context, id string) (models.ControlState, error) {
		return uploadService.Resume(c.Request.Context(), id)
	}, "Upload resumed")
}

// CancelUploadHandler 取消上传
// @Summary 取消上传
// @Tags 分片上传
// @Produce json
// @Param id path string true "上传标识"
// @Success 200 {object} xerr.Response "已取消"
// @Failure 409 {object} xerr.Response "状态冲突"
// @Router /api/v1/uploads/{id}/cancel [post]
func CancelUploadHandler(uploadService upload.UploadService) gin.HandlerFunc {
	return controlHandler(func(c *gin.Context, id string) (models.ControlState, error) {
		return uploadService.Cancel(c.Request.Context(), id)
	}, "Upload cancelled")
}

// RetryUploadHandler 重试失败的上传
// @Summary 重试上传
// @Tags 分片上传
// @Produce json
// @Param id path string true "上传标识"
// @Success 200 {object} xerr.Response "已重新开始"
// @Failure 409 {object} xerr.Response "状态冲突"
// @Router /api/v1/uploads/{id}/retry [post]
func RetryUploadHandler(uploadService upload.UploadService) gin.HandlerFunc {
	return controlHandler(func(c *gin.Context, id string) (models.ControlState, error) {
		return uploadService.Retry(c.Request.Context(), id)
	}, "Upload retrying")
}

// GetUploadStatusHandler 查询上传状态
// @Summary 查询上传状态
// @Tags 分片上传
// @Produce json
// @Param id path string true "上传标识"
// @Success 200 {object} xerr.Response{data=models.UploadStatusView} "上传状态"
// @Failure 404 {object} xerr.Response "上传不存在"
// @Router /api/v1/uploads/{id} [get]
func GetUploadStatusHandler(uploadService upload.UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := uploadService.GetStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			xerr.FromError(c, err)
			return
		}
		xerr.Success(c, http.StatusOK, "Upload status retrieved", view)
	}
}

// UploadHistoryHandler 查询用户已结束的上传
// @Summary 上传历史
// @Tags 分片上传
// @Produce json
// @Param user_id query string true "用户ID"
// @Param size query int false "返回条数，默认20"
// @Success 200 {object} xerr.Response "上传历史"
// @Failure 404 {object} xerr.Response "未配置上传历史"
// @Router /api/v1/uploads/history [get]
func UploadHistoryHandler(uploadService upload.UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			xerr.AbortWithError(c, http.StatusBadRequest, xerr.InvalidParamsCode, "user_id is required")
			return
		}
		size, err := strconv.Atoi(c.DefaultQuery("size", "20"))
		if err != nil || size <= 0 {
			xerr.AbortWithError(c, http.StatusBadRequest, xerr.InvalidParamsCode, "Invalid size")
			return
		}
		records, err := uploadService.History(c.Request.Context(), userID, size)
		if err != nil {
			xerr.FromError(c, err)
			return
		}
		xerr.Success(c, http.StatusOK, "Upload history retrieved", records)
	}
}
