package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/3Eeeecho/go-chunkupload/cmd/server"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/logger"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动上传服务",
	Long: `启动 HTTP 服务并接管数据库中尚未完成的上传。

环境变量可以覆盖配置，格式为 GO_UPLOADER_<SECTION>_<KEY>，例如:
  GO_UPLOADER_UPLOAD_MAX_CONCURRENT=8 go-uploader serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("加载配置出错: %w", err)
	}
	defer logger.Sync() // 确保在应用退出时刷新所有缓冲的日志条目

	logger.Info("启动上传服务...")

	ctx := context.Background()
	srv, err := server.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("无法启动应用程序: %w", err)
	}

	// 创建一个通道用于接收停止信号
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stopChan)

	srv.Run(ctx, stopChan)

	logger.Info("上传服务已退出。")
	return nil
}
