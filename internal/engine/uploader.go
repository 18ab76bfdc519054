package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/storage"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
)

// ChunkUploader 上传单个分片并返回存储后端的 blockID。
// 对同一 (上传, 分片, 尝试) 必须幂等。
type ChunkUploader interface {
	Upload(ctx context.Context, chunk models.ChunkState) (string, error)
}

// ChunkSource 提供分片的字节区间
type ChunkSource interface {
	Section(chunk models.ChunkState) (io.ReadSeeker, error)
	Close() error
}

// FileChunkSource 基于本地暂存文件的 ChunkSource，ReadAt 可并发调用
type FileChunkSource struct {
	path string
	once sync.Once
	file *os.File
	err  error
}

func NewFileChunkSource(path string) *FileChunkSource {
	return &FileChunkSource{path: path}
}

func (s *FileChunkSource) open() (*os.File, error) {
	s.once.Do(func() {
		s.file, s.err = os.Open(s.path)
	})
	return s.file, s.err
}

func (s *FileChunkSource) Section(chunk models.ChunkState) (io.ReadSeeker, error) {
	f, err := s.open()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerr.New(xerr.KindInvalidConfiguration, "暂存文件 %s 不存在", s.path)
		}
		return nil, xerr.Wrap(xerr.KindTransientIO, fmt.Errorf("打开暂存文件失败: %w", err))
	}
	return io.NewSectionReader(f, chunk.Start, chunk.Size), nil
}

func (s *FileChunkSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// BlockUploader 把 ChunkSource 中的分片写入 BlockStorage
type BlockUploader struct {
	source  ChunkSource
	storage storage.BlockStorage
	target  models.UploadTarget
	timeout time.Duration // 单次尝试的超时，0 表示不限制
}

func NewBlockUploader(source ChunkSource, bs storage.BlockStorage, target models.UploadTarget, timeout time.Duration) *BlockUploader {
	return &BlockUploader{source: source, storage: bs, target: target, timeout: timeout}
}

func (u *BlockUploader) Upload(ctx context.Context, chunk models.ChunkState) (string, error) {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	r, err := u.source.Section(chunk)
	if err != nil {
		return "", err
	}
	blockID, err := u.storage.PutBlock(ctx, u.target, chunk.ID, r, chunk.Size)
	if err != nil {
		return "", err
	}
	if blockID == "" {
		return "", xerr.New(xerr.KindTransientIO, "分片 %d 上传成功但后端未返回 blockID", chunk.ID)
	}
	return blockID, nil
}
