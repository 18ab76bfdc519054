package setup

import (
	"fmt"

	"github.com/3Eeeecho/go-chunkupload/internal/config"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/logger"
	"github.com/3Eeeecho/go-chunkupload/internal/repositories"
	"go.uber.org/zap"
)

// InitStateStore 按 state_store.type 选择上传状态的持久化后端，返回的 closer 负责释放底层连接
func InitStateStore(cfg *config.Config) (repositories.StateStore, func(), error) {
	switch cfg.StateStore.Type {
	case "badger":
		db, err := repositories.OpenBadger(cfg.Badger.Dir, cfg.Badger.InMemory)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("使用 badger 保存上传状态", zap.String("dir", cfg.Badger.Dir), zap.Bool("in_memory", cfg.Badger.InMemory))
		return repositories.NewBadgerStateStore(db), func() {
			if err := db.Close(); err != nil {
				logger.Error("Error closing badger", zap.Error(err))
			}
		}, nil
	case "gorm", "":
		db, err := InitDatabase(cfg)
		if err != nil {
			return nil, nil, err
		}
		return repositories.NewGormStateStore(db), func() { CloseDatabase(db) }, nil
	default:
		return nil, nil, fmt.Errorf("invalid state_store type: %q", cfg.StateStore.Type)
	}
}
