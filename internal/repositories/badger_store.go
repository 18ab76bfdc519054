package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
)

// Key prefixes
const (
	prefixUpload = "upload:" // upload:{trackingID} -> JSON(UploadState)
	prefixLease  = "lease:"  // lease:{trackingID} -> JSON(lease)，带 TTL
)

type lease struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// BadgerStateStore 单机嵌入式的 StateStore，整个上传状态序列化为一个 JSON 值。
// 租约单独存放并设置 TTL，读写在同一个 badger 事务中完成
type BadgerStateStore struct {
	db  *badgerdb.DB
	now func() time.Time
}

func NewBadgerStateStore(db *badgerdb.DB) *BadgerStateStore {
	return &BadgerStateStore{db: db, now: time.Now}
}

// OpenBadger 打开 badger 数据库，inMemory 为 true 时忽略 dir
func OpenBadger(dir string, inMemory bool) (*badgerdb.DB, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if inMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return db, nil
}

func uploadKey(trackingID string) []byte { return []byte(prefixUpload + trackingID) }
func leaseKey(trackingID string) []byte  { return []byte(prefixLease + trackingID) }

func (r *BadgerStateStore) Create(ctx context.Context, state *models.UploadState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := state.Metadata.TrackingID
	return r.update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(uploadKey(id))
		if err == nil {
			return xerr.New(xerr.KindInvalidConfiguration, "上传 %s 已存在", id)
		}
		if err != badgerdb.ErrKeyNotFound {
			return err
		}
		stored := state.Clone()
		stored.Control.LeaseID = ""
		stored.Control.Locked = false
		return putState(txn, stored)
	})
}

func (r *BadgerStateStore) Load(ctx context.Context, trackingID string) (*models.UploadState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var state *models.UploadState
	err := r.db.View(func(txn *badgerdb.Txn) error {
		var err error
		state, err = getState(txn, trackingID)
		if err != nil {
			return err
		}
		l, err := r.getLease(txn, trackingID)
		if err != nil {
			return err
		}
		state.Control.LeaseID = ""
		state.Control.Locked = false
		if l != nil {
			state.Control.LeaseID = l.Holder
			state.Control.Locked = true
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("读取上传状态", err)
	}
	return state, nil
}

func (r *BadgerStateStore) Save(ctx context.Context, state *models.UploadState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := state.Metadata.TrackingID
	return r.update(func(txn *badgerdb.Txn) error {
		current, err := getState(txn, id)
		if err != nil {
			return err
		}
		l, err := r.getLease(txn, id)
		if err != nil {
			return err
		}
		if l == nil || l.Holder != state.Control.LeaseID {
			return errLeaseConflict(id, state.Control.LeaseID)
		}
		if state.Version < current.Version {
			return nil
		}
		return putState(txn, state)
	})
}

func (r *BadgerStateStore) Delete(ctx context.Context, trackingID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.update(func(txn *badgerdb.Txn) error {
		if err := txn.Delete(uploadKey(trackingID)); err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		if err := txn.Delete(leaseKey(trackingID)); err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		return nil
	})
}

func (r *BadgerStateStore) AcquireLease(ctx context.Context, trackingID, holder string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.update(func(txn *badgerdb.Txn) error {
		if _, err := getState(txn, trackingID); err != nil {
			return err
		}
		l, err := r.getLease(txn, trackingID)
		if err != nil {
			return err
		}
		if l != nil && l.Holder != holder {
			return errLeaseConflict(trackingID, holder)
		}
		return r.putLease(txn, trackingID, holder, ttl)
	})
}

func (r *BadgerStateStore) RenewLease(ctx context.Context, trackingID, holder string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.update(func(txn *badgerdb.Txn) error {
		l, err := r.getLease(txn, trackingID)
		if err != nil {
			return err
		}
		if l == nil || l.Holder != holder {
			return errLeaseConflict(trackingID, holder)
		}
		return r.putLease(txn, trackingID, holder, ttl)
	})
}

func (r *BadgerStateStore) ReleaseLease(ctx context.Context, trackingID, holder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.update(func(txn *badgerdb.Txn) error {
		l, err := r.getLease(txn, trackingID)
		if err != nil || l == nil || l.Holder != holder {
			return err
		}
		return txn.Delete(leaseKey(trackingID))
	})
}

func (r *BadgerStateStore) ListRecoverable(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := r.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixUpload)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var state models.UploadState
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &state)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal upload state: %w", err)
			}
			if isRecoverable(state.Control.Status) {
				ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), prefixUpload))
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("遍历上传状态", err)
	}
	return ids, nil
}

func (r *BadgerStateStore) update(fn func(txn *badgerdb.Txn) error) error {
	if err := r.db.Update(fn); err != nil {
		return storeErr("写入上传状态", err)
	}
	return nil
}

// getLease 返回未过期的租约，不存在或已过期时返回 nil
func (r *BadgerStateStore) getLease(txn *badgerdb.Txn, trackingID string) (*lease, error) {
	item, err := txn.Get(leaseKey(trackingID))
	if err == badgerdb.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var l lease
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &l)
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease: %w", err)
	}
	if !r.now().Before(l.ExpiresAt) {
		return nil, nil
	}
	return &l, nil
}

func (r *BadgerStateStore) putLease(txn *badgerdb.Txn, trackingID, holder string, ttl time.Duration) error {
	data, err := json.Marshal(lease{Holder: holder, ExpiresAt: r.now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}
	return txn.SetEntry(badgerdb.NewEntry(leaseKey(trackingID), data).WithTTL(ttl))
}

func getState(txn *badgerdb.Txn, trackingID string) (*models.UploadState, error) {
	item, err := txn.Get(uploadKey(trackingID))
	if err == badgerdb.ErrKeyNotFound {
		return nil, errNotFound(trackingID)
	}
	if err != nil {
		return nil, err
	}
	var state models.UploadState
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &state)
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upload state: %w", err)
	}
	return &state, nil
}

func putState(txn *badgerdb.Txn, state *models.UploadState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal upload state: %w", err)
	}
	return txn.Set(uploadKey(state.Metadata.TrackingID), data)
}

// storeErr 已分类的错误原样返回，其余视为可重试的存储错误
func storeErr(op string, err error) error {
	var ce *xerr.CodeError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, badgerdb.ErrConflict) {
		return xerr.New(xerr.KindTransientIO, "%s: 并发写冲突", op)
	}
	return xerr.Wrap(xerr.KindTransientIO, fmt.Errorf("%w: %s: %v", xerr.ErrDatabaseError, op, err))
}
