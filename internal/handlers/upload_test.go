package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/history"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/progress"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploadService struct {
	mu       sync.Mutex
	started  []models.UploadMetadata
	options  []models.ChunkingOptions
	tempData []byte
	startErr error
	ctrlErr  error
	status   map[string]models.UploadStatusView
	records  []history.Record
}

func (f *fakeUploadService) StartUpload(_ context.Context, meta models.UploadMetadata, opts models.ChunkingOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, meta)
	f.options = append(f.options, opts)
	if meta.TempFilePath != "" {
		f.tempData, _ = os.ReadFile(meta.TempFilePath)
	}
	if f.startErr != nil {
		return "", f.startErr
	}
	if meta.TrackingID != "" {
		return meta.TrackingID, nil
	}
	return "t-new", nil
}

func (f *fakeUploadService) control(status models.UploadStatus) (models.ControlState, error) {
	if f.ctrlErr != nil {
		return models.ControlState{}, f.ctrlErr
	}
	ctrl := models.ControlState{Status: status}
	ctrl.Project(false)
	return ctrl, nil
}

func (f *fakeUploadService) Pause(context.Context, string) (models.ControlState, error) {
	return f.control(models.StatusPaused)
}

func (f *fakeUploadService) Resume(context.Context, string) (models.ControlState, error) {
	return f.control(models.StatusRunning)
}

func (f *fakeUploadService) Cancel(context.Context, string) (models.ControlState, error) {
	return f.control(models.StatusCancelled)
}

func (f *fakeUploadService) Retry(context.Context, string) (models.ControlState, error) {
	return f.control(models.StatusRunning)
}

func (f *fakeUploadService) GetStatus(_ context.Context, id string) (models.UploadStatusView, error) {
	v, ok := f.status[id]
	if !ok {
		return v, xerr.New(xerr.KindNotFound, "上传 %s 不存在", id)
	}
	return v, nil
}

func (f *fakeUploadService) History(_ context.Context, userID string, size int) ([]history.Record, error) {
	if f.records == nil {
		return nil, xerr.New(xerr.KindNotFound, "未配置上传历史")
	}
	return f.records, nil
}

func (f *fakeUploadService) Recover(context.Context) (int, error) { return 0, nil }
func (f *fakeUploadService) Shutdown(context.Context) error       { return nil }

func newTestRouter(svc *fakeUploadService, tempDir string, hub *progress.Hub) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/api/v1/uploads")
	g.POST("", StartUploadHandler(svc, tempDir))
	g.GET("/history", UploadHistoryHandler(svc))
	g.GET("/:id", GetUploadStatusHandler(svc))
	g.GET("/:id/events", UploadEventsHandler(svc, hub.Source()))
	g.POST("/:id/pause", PauseUploadHandler(svc))
	g.POST("/:id/resume", ResumeUploadHandler(svc))
	g.POST("/:id/cancel", CancelUploadHandler(svc))
	g.POST("/:id/retry", RetryUploadHandler(svc))
	return r
}

func multipartBody(t *testing.T, fields map[string]string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if content != nil {
		fw, err := w.CreateFormFile("file", "report.pdf")
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) xerr.Response {
	t.Helper()
	var resp xerr.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestStartUploadHandler(t *testing.T) {
	svc := &fakeUploadService{}
	dir := t.TempDir()
	r := newTestRouter(svc, dir, progress.NewHub())

	body, ct := multipartBody(t, map[string]string{"user_id": "u-1", "chunk_size": "1024", "max_concurrent": "2"}, []byte("hello chunks"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode(t, rec)
	assert.Equal(t, xerr.SuccessCode, resp.Code)
	assert.Equal(t, "t-new", resp.Data.(map[string]any)["trackingId"])

	require.Len(t, svc.started, 1)
	meta := svc.started[0]
	assert.Equal(t, "u-1", meta.UserID)
	assert.Equal(t, "report.pdf", meta.FileName)
	assert.Equal(t, int64(12), meta.FileSize)
	assert.True(t, strings.HasPrefix(meta.TempFilePath, dir))
	assert.Equal(t, []byte("hello chunks"), svc.tempData)
	assert.Equal(t, int64(1024), svc.options[0].ChunkSize)
	assert.Equal(t, 2, svc.options[0].MaxConcurrent)
}

func TestStartUploadHandlerErrors(t *testing.T) {
	t.Run("缺少文件", func(t *testing.T) {
		r := newTestRouter(&fakeUploadService{}, t.TempDir(), progress.NewHub())
		body, ct := multipartBody(t, map[string]string{"user_id": "u-1"}, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("非法选项", func(t *testing.T) {
		r := newTestRouter(&fakeUploadService{}, t.TempDir(), progress.NewHub())
		body, ct := multipartBody(t, map[string]string{"user_id": "u-1", "chunk_size": "abc"}, []byte("x"))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("服务拒绝后删除暂存文件", func(t *testing.T) {
		svc := &fakeUploadService{startErr: xerr.New(xerr.KindInvalidConfiguration, "chunkSize 太小")}
		dir := t.TempDir()
		r := newTestRouter(svc, dir, progress.NewHub())
		body, ct := multipartBody(t, map[string]string{"user_id": "u-1"}, []byte("data"))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, xerr.InvalidConfigurationCode, decode(t, rec).Code)
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("续传不需要文件", func(t *testing.T) {
		svc := &fakeUploadService{}
		r := newTestRouter(svc, t.TempDir(), progress.NewHub())
		body, ct := multipartBody(t, map[string]string{"tracking_id": "t-old", "resume_from_chunk": "3"}, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "t-old", decode(t, rec).Data.(map[string]any)["trackingId"])
		assert.Equal(t, 3, svc.options[0].ResumeFromChunk)
	})
}

func TestControlHandlers(t *testing.T) {
	svc := &fakeUploadService{}
	r := newTestRouter(svc, t.TempDir(), progress.NewHub())

	cases := map[string]models.UploadStatus{
		"pause":  models.StatusPaused,
		"resume": models.StatusRunning,
		"cancel": models.StatusCancelled,
		"retry":  models.StatusRunning,
	}
	for op, want := range cases {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/uploads/t-1/"+op, nil))
		require.Equal(t, http.StatusOK, rec.Code, op)
		data := decode(t, rec).Data.(map[string]any)
		assert.Equal(t, string(want), data["status"], op)
	}

	svc.ctrlErr = xerr.New(xerr.KindLeaseConflict, "")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/uploads/t-1/pause", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, xerr.LeaseConflictCode, decode(t, rec).Code)

	svc.ctrlErr = xerr.New(xerr.KindInvalidStateTransition, "completed 状态下不能执行 pause")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/uploads/t-1/pause", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, xerr.InvalidStateTransitionCode, decode(t, rec).Code)
}

func TestStatusAndHistoryHandlers(t *testing.T) {
	svc := &fakeUploadService{
		status: map[string]models.UploadStatusView{
			"t-1": {TrackingID: "t-1", Snapshot: models.ProgressSnapshot{TrackingID: "t-1", Progress: 40, Status: models.StatusRunning}},
		},
	}
	r := newTestRouter(svc, t.TempDir(), progress.NewHub())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/t-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode(t, rec).Data.(map[string]any)["snapshot"].(map[string]any)
	assert.Equal(t, float64(40), snap["progress"])

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/history", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/history?user_id=u-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "未配置历史")

	svc.records = []history.Record{{TrackingID: "t-9", UserID: "u-1", Status: "completed"}}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/history?user_id=u-1&size=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec).Data.([]any), 1)
}

func TestUploadEventsHandler(t *testing.T) {
	hub := progress.NewHub()
	svc := &fakeUploadService{
		status: map[string]models.UploadStatusView{
			"t-1": {TrackingID: "t-1", Snapshot: models.ProgressSnapshot{TrackingID: "t-1", Progress: 10, Status: models.StatusRunning}},
			"t-2": {TrackingID: "t-2", Snapshot: models.ProgressSnapshot{TrackingID: "t-2", Progress: 100, Status: models.StatusCompleted}},
		},
	}
	r := newTestRouter(svc, t.TempDir(), hub)

	go func() {
		for hub.Subscribers("t-1") == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		_ = hub.Publish(context.Background(), "t-1", models.ProgressSnapshot{TrackingID: "t-1", Progress: 100, Status: models.StatusCompleted})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/t-1/events", nil).WithContext(ctx))

	body := rec.Body.String()
	assert.Equal(t, 2, strings.Count(body, "event:progress"), body)
	assert.Contains(t, body, `"status":"running"`)
	assert.Contains(t, body, `"status":"completed"`)
	assert.Equal(t, 0, hub.Subscribers("t-1"), "结束后取消订阅")

	// 已结束的上传只发送一次快照
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/t-2/events", nil))
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "event:progress"))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/missing/events", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
