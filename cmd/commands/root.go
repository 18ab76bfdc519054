// Package commands 实现 go-uploader 的命令行入口
package commands

import (
	"os"

	"github.com/3Eeeecho/go-chunkupload/internal/config"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/logger"
	"github.com/spf13/cobra"
)

// 全局参数
var cfgDir string

var rootCmd = &cobra.Command{
	Use:   "go-uploader",
	Short: "可恢复的分片上传服务",
	Long: `go-uploader 把文件切成分片并发上传到 MinIO / 阿里云 OSS / S3，
支持暂停、恢复、取消、重试以及进程重启后的续传。

不带子命令运行时等同于 serve。`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

// Execute 执行根命令，由 main 调用
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "config.yaml 所在目录 (默认: ., ./configs, /etc/go-uploader/)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

// loadConfig 加载配置并初始化日志
func loadConfig() (*config.Config, error) {
	var paths []string
	if cfgDir != "" {
		paths = append(paths, cfgDir)
	}
	cfg, err := config.LoadConfig(paths...)
	if err != nil {
		return nil, err
	}

	//初始化日志系统
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return nil, err
	}
	logger.InitLogger(cfg.Log.OutputPath, cfg.Log.ErrorPath, cfg.Log.Level)
	return cfg, nil
}
