package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
	"github.com/google/uuid"
)

// MemoryStorage 进程内的块存储，用于本地开发 (storageconfig.type=memory) 和测试
type MemoryStorage struct {
	mu      sync.Mutex
	bucket  string
	uploads map[string]*memoryUpload // uploadID -> 未提交的块
	objects map[string][]byte        // key -> 已提交的对象
	aborted map[string]bool
}

type memoryUpload struct {
	key    string
	blocks map[string][]byte // blockID -> 数据
}

func NewMemoryStorage(bucket string) *MemoryStorage {
	return &MemoryStorage{
		bucket:  bucket,
		uploads: make(map[string]*memoryUpload),
		objects: make(map[string][]byte),
		aborted: make(map[string]bool),
	}
}

func (m *MemoryStorage) Limits() BlockLimits {
	return BlockLimits{MaxBlocks: multipartLimits.MaxBlocks}
}

func (m *MemoryStorage) EnsureBucket(ctx context.Context) error {
	return nil
}

func (m *MemoryStorage) InitUpload(ctx context.Context, key, contentType string) (models.UploadTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.uploads[id] = &memoryUpload{key: key, blocks: make(map[string][]byte)}
	return models.UploadTarget{Backend: "memory", Bucket: m.bucket, Key: key, UploadID: id}, nil
}

// PutBlock blockID 由分片序号与内容摘要组成，同一内容重复上传得到相同的 blockID
func (m *MemoryStorage) PutBlock(ctx context.Context, target models.UploadTarget, chunkID int, r io.Reader, size int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", xerr.Wrap(xerr.KindCancelled, err)
	}
	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return "", xerr.Wrap(xerr.KindTransientIO, fmt.Errorf("读取分块数据失败: %w", err))
	}
	if int64(len(data)) != size {
		return "", xerr.New(xerr.KindInvalidConfiguration, "分块 %d 大小不符: 期望 %d, 实际 %d", chunkID, size, len(data))
	}

	sum := md5.Sum(data)
	blockID := fmt.Sprintf("%d-%s", chunkID, hex.EncodeToString(sum[:]))

	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[target.UploadID]
	if !ok {
		return "", xerr.New(xerr.KindNotFound, "upload %s 不存在", target.UploadID)
	}
	up.blocks[blockID] = data
	return blockID, nil
}

func (m *MemoryStorage) CommitBlocks(ctx context.Context, target models.UploadTarget, blockIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[target.UploadID]
	if !ok {
		return xerr.New(xerr.KindNotFound, "upload %s 不存在", target.UploadID)
	}
	var buf bytes.Buffer
	for i, id := range blockIDs {
		data, ok := up.blocks[id]
		if !ok {
			return xerr.New(xerr.KindInvalidConfiguration, "第 %d 个块 %s 不存在", i, id)
		}
		buf.Write(data)
	}
	m.objects[up.key] = buf.Bytes()
	delete(m.uploads, target.UploadID)
	return nil
}

func (m *MemoryStorage) AbortUpload(ctx context.Context, target models.UploadTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, target.UploadID)
	m.aborted[target.UploadID] = true
	return nil
}

// Object 返回已提交对象的内容
func (m *MemoryStorage) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// Aborted 报告某个分块上传是否被中止过
func (m *MemoryStorage) Aborted(uploadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted[uploadID]
}
