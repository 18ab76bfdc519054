package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/logger"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStateStore 把上传状态存到 upload_tasks 与 chunks 两张表。
// 所有写操作在事务中先 SELECT ... FOR UPDATE 锁住任务行，再校验租约
type GormStateStore struct {
	db  *gorm.DB
	tm  TransactionManager
	now func() time.Time
}

func NewGormStateStore(db *gorm.DB) *GormStateStore {
	return &GormStateStore{db: db, tm: NewTransactionManager(db), now: time.Now}
}

// AutoMigrate 创建 upload_tasks / chunks 表
func (r *GormStateStore) AutoMigrate() error {
	return r.db.AutoMigrate(&models.UploadTask{}, &models.Chunk{})
}

func (r *GormStateStore) Create(ctx context.Context, state *models.UploadState) error {
	task, chunks, err := toRows(state)
	if err != nil {
		return err
	}
	return r.tm.WithTransaction(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.UploadTask{}).Where("tracking_id = ?", task.TrackingID).Count(&count).Error; err != nil {
			return dbErr("统计上传任务", err)
		}
		if count > 0 {
			return xerr.New(xerr.KindInvalidConfiguration, "上传 %s 已存在", task.TrackingID)
		}
		task.LeaseID = ""
		if err := tx.Create(task).Error; err != nil {
			return dbErr("创建上传任务", err)
		}
		if len(chunks) > 0 {
			if err := tx.Create(&chunks).Error; err != nil {
				return dbErr("创建分片记录", err)
			}
		}
		return nil
	})
}

func (r *GormStateStore) Load(ctx context.Context, trackingID string) (*models.UploadState, error) {
	var task models.UploadTask
	err := r.db.WithContext(ctx).Where("tracking_id = ?", trackingID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound(trackingID)
	}
	if err != nil {
		return nil, dbErr("查询上传任务", err)
	}

	var chunks []models.Chunk
	if err := r.db.WithContext(ctx).Where("tracking_id = ?", trackingID).Order("chunk_index ASC").Find(&chunks).Error; err != nil {
		return nil, dbErr("查询分片记录", err)
	}
	return fromRows(&task, chunks, r.now())
}

func (r *GormStateStore) Save(ctx context.Context, state *models.UploadState) error {
	task, chunks, err := toRows(state)
	if err != nil {
		return err
	}
	return r.tm.WithTransaction(ctx, func(tx *gorm.DB) error {
		current, err := lockTask(tx, task.TrackingID)
		if err != nil {
			return err
		}
		if current.LeaseID == "" || current.LeaseID != state.Control.LeaseID {
			return errLeaseConflict(task.TrackingID, state.Control.LeaseID)
		}
		// 较旧的快照直接忽略
		if task.Version < current.Version {
			logger.Debug("GormStateStore: 忽略过期的状态快照",
				zap.String("tracking_id", task.TrackingID),
				zap.Int64("version", task.Version),
				zap.Int64("stored_version", current.Version))
			return nil
		}

		task.ID = current.ID
		task.CreatedAt = current.CreatedAt
		task.LeaseExpiresAt = current.LeaseExpiresAt
		if err := tx.Save(task).Error; err != nil {
			return dbErr("更新上传任务", err)
		}
		if len(chunks) == 0 {
			return nil
		}
		err = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tracking_id"}, {Name: "chunk_index"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"start_byte", "end_byte", "size", "status", "attempts", "retry_base", "block_id", "error", "updated_at",
			}),
		}).Create(&chunks).Error
		if err != nil {
			return dbErr("更新分片记录", err)
		}
		return nil
	})
}

func (r *GormStateStore) Delete(ctx context.Context, trackingID string) error {
	return r.tm.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("tracking_id = ?", trackingID).Delete(&models.Chunk{}).Error; err != nil {
			return dbErr("删除分片记录", err)
		}
		if err := tx.Where("tracking_id = ?", trackingID).Delete(&models.UploadTask{}).Error; err != nil {
			return dbErr("删除上传任务", err)
		}
		return nil
	})
}

func (r *GormStateStore) AcquireLease(ctx context.Context, trackingID, holder string, ttl time.Duration) error {
	return r.tm.WithTransaction(ctx, func(tx *gorm.DB) error {
		task, err := lockTask(tx, trackingID)
		if err != nil {
			return err
		}
		now := r.now()
		if leaseHeldByOther(task.LeaseID, holder, task.LeaseExpiresAt, now) {
			return errLeaseConflict(trackingID, holder)
		}
		return setLease(tx, task.ID, holder, now.Add(ttl))
	})
}

func (r *GormStateStore) RenewLease(ctx context.Context, trackingID, holder string, ttl time.Duration) error {
	return r.tm.WithTransaction(ctx, func(tx *gorm.DB) error {
		task, err := lockTask(tx, trackingID)
		if err != nil {
			return err
		}
		if task.LeaseID != holder {
			return errLeaseConflict(trackingID, holder)
		}
		return setLease(tx, task.ID, holder, r.now().Add(ttl))
	})
}

func (r *GormStateStore) ReleaseLease(ctx context.Context, trackingID, holder string) error {
	err := r.db.WithContext(ctx).Model(&models.UploadTask{}).
		Where("tracking_id = ? AND lease_id = ?", trackingID, holder).
		Updates(map[string]any{"lease_id": "", "lease_expires_at": nil}).Error
	if err != nil {
		return dbErr("释放租约", err)
	}
	return nil
}

func (r *GormStateStore) ListRecoverable(ctx context.Context) ([]string, error) {
	statuses := make([]string, 0, len(recoverableStatuses))
	for _, st := range recoverableStatuses {
		statuses = append(statuses, string(st))
	}
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.UploadTask{}).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Pluck("tracking_id", &ids).Error
	if err != nil {
		return nil, dbErr("查询待恢复的上传", err)
	}
	return ids, nil
}

func lockTask(tx *gorm.DB, trackingID string) (*models.UploadTask, error) {
	var task models.UploadTask
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tracking_id = ?", trackingID).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound(trackingID)
	}
	if err != nil {
		return nil, dbErr("锁定上传任务", err)
	}
	return &task, nil
}

func setLease(tx *gorm.DB, id uint64, holder string, expiresAt time.Time) error {
	err := tx.Model(&models.UploadTask{}).Where("id = ?", id).
		Updates(map[string]any{"lease_id": holder, "lease_expires_at": expiresAt}).Error
	if err != nil {
		return dbErr("写入租约", err)
	}
	return nil
}

func dbErr(op string, err error) error {
	logger.Error("GormStateStore: "+op+"失败", zap.Error(err))
	return xerr.Wrap(xerr.KindTransientIO, fmt.Errorf("%w: %s: %v", xerr.ErrDatabaseError, op, err))
}

func toRows(state *models.UploadState) (*models.UploadTask, []models.Chunk, error) {
	options, err := json.Marshal(state.Options)
	if err != nil {
		return nil, nil, fmt.Errorf("序列化分片参数失败: %w", err)
	}
	target, err := json.Marshal(state.Target)
	if err != nil {
		return nil, nil, fmt.Errorf("序列化存储目标失败: %w", err)
	}
	blockIDs, err := json.Marshal(state.BlockIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("序列化 blockID 列表失败: %w", err)
	}

	m := state.Metadata
	task := &models.UploadTask{
		TrackingID:   m.TrackingID,
		UserID:       state.UserID,
		TenantID:     state.TenantID,
		Filename:     m.FileName,
		FileSize:     m.FileSize,
		MimeType:     m.MimeType,
		Category:     m.Category,
		AccessLevel:  m.AccessLevel,
		Retention:    m.Retention,
		TempFilePath: m.TempFilePath,
		StartTime:    m.StartTime,
		Options:      string(options),
		Status:       string(state.Control.Status),
		IsRetrying:   state.Control.IsRetrying,
		RetryCount:   state.Control.RetryCount,
		LastRetryAt:  state.Control.LastRetryTimestamp,
		LastError:    state.Control.LastError,
		Target:       string(target),
		BlockIDs:     string(blockIDs),
		UploadedSize: state.Progress.UploadedBytes,
		Version:      state.Version,
		LeaseID:      state.Control.LeaseID,
	}

	chunks := make([]models.Chunk, 0, len(state.Chunks))
	for id := 0; id < len(state.Chunks); id++ {
		c, ok := state.Chunks[id]
		if !ok {
			continue
		}
		chunks = append(chunks, models.Chunk{
			TrackingID: m.TrackingID,
			ChunkIndex: c.ID,
			StartByte:  c.Start,
			EndByte:    c.End,
			Size:       c.Size,
			Status:     string(c.Status),
			Attempts:   c.Attempts,
			RetryBase:  c.RetryBase,
			BlockID:    c.BlockID,
			Error:      c.Error,
		})
	}
	return task, chunks, nil
}

func fromRows(task *models.UploadTask, rows []models.Chunk, now time.Time) (*models.UploadState, error) {
	state := &models.UploadState{
		UserID:   task.UserID,
		TenantID: task.TenantID,
		Chunks:   make(map[int]*models.ChunkState, len(rows)),
		Metadata: models.UploadMetadata{
			UserID:       task.UserID,
			TenantID:     task.TenantID,
			TrackingID:   task.TrackingID,
			FileName:     task.Filename,
			FileSize:     task.FileSize,
			MimeType:     task.MimeType,
			Category:     task.Category,
			AccessLevel:  task.AccessLevel,
			Retention:    task.Retention,
			StartTime:    task.StartTime,
			TempFilePath: task.TempFilePath,
		},
		Control: models.ControlState{
			Status:             models.UploadStatus(task.Status),
			RetryCount:         task.RetryCount,
			LastRetryTimestamp: task.LastRetryAt,
			LastError:          task.LastError,
			LeaseID:            task.LeaseID,
			Locked:             task.LeaseID != "" && task.LeaseExpiresAt != nil && now.Before(*task.LeaseExpiresAt),
		},
		Version: task.Version,
	}
	if task.Options != "" {
		if err := json.Unmarshal([]byte(task.Options), &state.Options); err != nil {
			return nil, fmt.Errorf("解析分片参数失败: %w", err)
		}
	}
	if task.Target != "" {
		if err := json.Unmarshal([]byte(task.Target), &state.Target); err != nil {
			return nil, fmt.Errorf("解析存储目标失败: %w", err)
		}
	}
	if task.BlockIDs != "" && task.BlockIDs != "null" {
		if err := json.Unmarshal([]byte(task.BlockIDs), &state.BlockIDs); err != nil {
			return nil, fmt.Errorf("解析 blockID 列表失败: %w", err)
		}
	}
	for _, row := range rows {
		state.Chunks[row.ChunkIndex] = &models.ChunkState{
			ID:        row.ChunkIndex,
			Start:     row.StartByte,
			End:       row.EndByte,
			Size:      row.Size,
			Status:    models.ChunkStatus(row.Status),
			Attempts:  row.Attempts,
			RetryBase: row.RetryBase,
			BlockID:   row.BlockID,
			Error:     row.Error,
		}
	}
	state.Control.Project(task.IsRetrying)
	return state, nil
}
