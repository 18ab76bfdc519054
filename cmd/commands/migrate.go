package commands

import (
	"fmt"

	"github.com/3Eeeecho/go-chunkupload/internal/pkg/logger"
	"github.com/3Eeeecho/go-chunkupload/internal/setup"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "迁移上传状态表结构",
	Long:  `按 database.driver 连接 MySQL 或 SQLite，创建或更新 upload_tasks 与 chunks 表。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("加载配置出错: %w", err)
		}
		defer logger.Sync()

		db, err := setup.InitDatabase(cfg)
		if err != nil {
			return err
		}
		setup.CloseDatabase(db)
		cmd.Println("数据库迁移完成")
		return nil
	},
}
