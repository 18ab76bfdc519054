package handlers

import (
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/pkg/progress"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
	"github.com/3Eeeecho/go-chunkupload/internal/services/upload"
	"github.com/gin-gonic/gin"
)

const sseKeepAlive = 15 * time.Second

// UploadEventsHandler 以 SSE 推送上传进度：先发送当前快照，之后推送每次变化，进入终止状态后结束
// @Summary 订阅上传进度
// @Tags 分片上传
// @Produce text/event-stream
// @Param id path string true "上传标识"
// @Success 200 {object} models.ProgressSnapshot "progress 事件"
// @Failure 404 {object} xerr.Response "上传不存在"
// @Router /api/v1/uploads/{id}/events [get]
func UploadEventsHandler(uploadService upload.UploadService, subscribe progress.SubscribeFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		trackingID := c.Param("id")

		// 先订阅再读取状态，两者之间的变化不会丢失
		updates, cancel := subscribe(ctx, trackingID)
		defer cancel()

		view, err := uploadService.GetStatus(ctx, trackingID)
		if err != nil {
			xerr.FromError(c, err)
			return
		}

		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.SSEvent("progress", view.Snapshot)
		c.Writer.Flush()
		if view.Snapshot.Status.IsTerminal() {
			return
		}

		ticker := time.NewTicker(sseKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.SSEvent("ping", time.Now().UnixMilli())
				c.Writer.Flush()
			case snap, ok := <-updates:
				if !ok {
					return
				}
				c.SSEvent("progress", snap)
				c.Writer.Flush()
				if snap.Status.IsTerminal() {
					return
				}
			}
		}
	}
}
