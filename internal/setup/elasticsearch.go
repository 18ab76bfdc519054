package setup

import (
	"fmt"

	"github.com/3Eeeecho/go-chunkupload/internal/config"
	"github.com/3Eeeecho/go-chunkupload/internal/pkg/logger"
	"github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"
)

// InitElasticsearchClient addresses 为空时返回 nil，不记录上传历史
func InitElasticsearchClient(cfg *config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	if len(cfg.Addresses) == 0 {
		logger.Info("未配置 Elasticsearch，跳过上传历史")
		return nil, nil
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	// 尝试连接并获取集群信息，验证连接是否成功
	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("error connecting to Elasticsearch: %s", res.Status())
	}

	logger.Info("Elasticsearch client initialized successfully.", zap.Strings("addresses", cfg.Addresses))
	return client, nil
}
