package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
)

// Record 上传历史文档，一次上传进入终止状态时写入
type Record struct {
	TrackingID  string    `json:"tracking_id"`
	UserID      string    `json:"user_id"`
	TenantID    string    `json:"tenant_id"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	MimeType    string    `json:"mime_type"`
	Category    string    `json:"category,omitempty"`
	Status      string    `json:"status"`
	Backend     string    `json:"backend"`
	Bucket      string    `json:"bucket"`
	ObjectKey   string    `json:"object_key"`
	TotalChunks int       `json:"total_chunks"`
	RetryCount  int       `json:"retry_count"`
	LastError   string    `json:"last_error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// RecordFromState 由终止状态的上传生成历史文档
func RecordFromState(state *models.UploadState, finishedAt time.Time) Record {
	return Record{
		TrackingID:  state.Metadata.TrackingID,
		UserID:      state.UserID,
		TenantID:    state.TenantID,
		FileName:    state.Metadata.FileName,
		FileSize:    state.Metadata.FileSize,
		MimeType:    state.Metadata.MimeType,
		Category:    state.Metadata.Category,
		Status:      string(state.Control.Status),
		Backend:     state.Target.Backend,
		Bucket:      state.Target.Bucket,
		ObjectKey:   state.Target.Key,
		TotalChunks: len(state.Chunks),
		RetryCount:  state.Control.RetryCount,
		LastError:   state.Control.LastError,
		StartedAt:   state.Metadata.StartTime,
		FinishedAt:  finishedAt,
	}
}

// Indexer 把上传历史写入 Elasticsearch
type Indexer struct {
	client *elasticsearch.Client
	index  string
}

func NewIndexer(client *elasticsearch.Client, index string) *Indexer {
	return &Indexer{client: client, index: index}
}

// Index 以 tracking_id 为文档 id 写入，重复写入覆盖旧文档
func (i *Indexer) Index(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化历史记录失败: %w", err)
	}
	req := esapi.IndexRequest{
		Index:      i.index,
		DocumentID: rec.TrackingID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("写入上传历史失败: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("写入上传历史失败: %s", res.String())
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source Record `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// ListByUser 按结束时间倒序返回用户最近的上传历史
func (i *Indexer) ListByUser(ctx context.Context, userID string, size int) ([]Record, error) {
	if size <= 0 {
		size = 20
	}
	query := map[string]any{
		"size": size,
		"query": map[string]any{
			"term": map[string]any{"user_id": userID},
		},
		"sort": []any{
			map[string]any{"finished_at": map[string]any{"order": "desc"}},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("构造查询失败: %w", err)
	}

	res, err := i.client.Search(
		i.client.Search.WithContext(ctx),
		i.client.Search.WithIndex(i.index),
		i.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("查询上传历史失败: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("查询上传历史失败: %s", res.String())
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("解析查询结果失败: %w", err)
	}
	records := make([]Record, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		records = append(records, h.Source)
	}
	return records, nil
}
