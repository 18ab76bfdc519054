package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 结构体包含所有应用的配置
type Config struct {
	Server        ServerConfig        `mapstructure:"server"` // `mapstructure` 标签用于Viper绑定结构体
	Database      DatabaseConfig      `mapstructure:"database"`
	MySQL         MySQLConfig         `mapstructure:"mysql"`
	Badger        BadgerConfig        `mapstructure:"badger"`
	StateStore    StateStoreConfig    `mapstructure:"state_store"`
	Redis         RedisConfig         `mapstructure:"redis"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	AliyunOSS     AliyunOSSConfig     `mapstructure:"aliyun_oss"`
	S3            S3Config            `mapstructure:"s3"`
	Storage       StorageConfig       `mapstructure:"storageconfig"`
	Log           LogConfig           `mapstructure:"log"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Upload        UploadConfig        `mapstructure:"upload"`
	Lease         LeaseConfig         `mapstructure:"lease"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin 模式: debug / release / test
}

// DatabaseConfig 选择 gorm 方言
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"` // mysql | sqlite
	SQLitePath string `mapstructure:"sqlite_path"`
}

// MySQLConfig 数据库配置
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type BadgerConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// StateStoreConfig 上传状态的持久化后端
type StateStoreConfig struct {
	Type string `mapstructure:"type"` // gorm | badger
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MinIOConfig MinIO配置
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

type AliyunOSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"` // 例如: https://oss-cn-hangzhou.aliyuncs.com
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BucketName      string `mapstructure:"bucket_name"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// S3Config AWS S3 (或兼容 S3 协议的服务) 配置
type S3Config struct {
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	Endpoint        string `mapstructure:"endpoint"` // 为空时使用 AWS 默认 endpoint
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

type StorageConfig struct {
	Type    string `mapstructure:"type"`     // minio | aliyun_oss | s3
	TempDir string `mapstructure:"temp_dir"` // 上传文件的本地暂存目录
}

// zap日志配置
type LogConfig struct {
	OutputPath string `mapstructure:"output_path"`
	ErrorPath  string `mapstructure:"error_path"`
	Level      string `mapstructure:"level"`
}

// ElasticsearchConfig 定义 Elasticsearch 连接配置，Addresses 为空时不记录上传历史
type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// UploadConfig 分片上传引擎的默认参数，单个上传可以在请求中覆盖分片相关的字段
type UploadConfig struct {
	ChunkSize          int64         `mapstructure:"chunk_size"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelayBaseMS   int64         `mapstructure:"retry_delay_base_ms"`
	MaxRetryDelay      time.Duration `mapstructure:"max_retry_delay"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	// 请求中 maxConcurrent 的上限
	MaxConcurrentLimit int           `mapstructure:"max_concurrent_limit"`
	ChunkTimeout       time.Duration `mapstructure:"chunk_timeout"`
	CommitRetries      int           `mapstructure:"commit_retries"`
	CommitRetryDelay   time.Duration `mapstructure:"commit_retry_delay"`
	SpeedWindow        int           `mapstructure:"speed_window"`
	KeepFailedTemp     bool          `mapstructure:"keep_failed_temp"`
	MaxFileSize        int64         `mapstructure:"max_file_size"`
}

// LeaseConfig 上传租约，保证同一上传同一时刻只有一个实例在推进
type LeaseConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
}

var AppConfig *Config // 全局应用配置实例

// DefaultMaxConcurrentLimit 未配置 upload.max_concurrent_limit 时使用
const DefaultMaxConcurrentLimit = 32

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.sqlite_path", "data/uploader.db")
	v.SetDefault("mysql.dsn", "root:root@tcp(mysql:3306)/uploader_db?charset=utf8mb4&parseTime=True&loc=Local")
	v.SetDefault("badger.dir", "data/badger")
	v.SetDefault("badger.in_memory", false)
	v.SetDefault("state_store.type", "gorm")
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("minio.endpoint", "minio:9000")
	v.SetDefault("minio.bucket_name", "uploads")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("storageconfig.type", "minio")
	v.SetDefault("storageconfig.temp_dir", "data/tmp")
	v.SetDefault("log.output_path", "logs/uploader.log")
	v.SetDefault("log.error_path", "logs/error.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("elasticsearch.index", "upload_history")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("upload.chunk_size", 8*1024*1024)
	v.SetDefault("upload.max_retries", 3)
	v.SetDefault("upload.retry_delay_base_ms", 1000)
	v.SetDefault("upload.max_retry_delay", 30*time.Second)
	v.SetDefault("upload.max_concurrent", 4)
	v.SetDefault("upload.max_concurrent_limit", DefaultMaxConcurrentLimit)
	v.SetDefault("upload.chunk_timeout", 2*time.Minute)
	v.SetDefault("upload.commit_retries", 3)
	v.SetDefault("upload.commit_retry_delay", time.Second)
	v.SetDefault("upload.speed_window", 10)
	v.SetDefault("upload.keep_failed_temp", true)
	v.SetDefault("upload.max_file_size", 50*1024*1024*1024)

	v.SetDefault("lease.ttl", 30*time.Second)
	v.SetDefault("lease.renew_interval", 10*time.Second)
}

// LoadConfig 加载配置。paths 为空时在默认目录中查找 config.yaml
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // 配置文件名 (不带扩展名)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./configs", "/etc/go-uploader/"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// 例如：GO_UPLOADER_UPLOAD_MAX_CONCURRENT 对应 upload.max_concurrent
	v.SetEnvPrefix("GO_UPLOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件未找到不是致命错误，依赖环境变量与默认值
		log.Println("Warning: config file not found, using environment variables or default values.")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return cfg, nil
}

// Validate 校验会导致上传引擎无法工作的配置
func (c *Config) Validate() error {
	u := c.Upload
	switch {
	case u.ChunkSize <= 0:
		return fmt.Errorf("upload.chunk_size 必须大于0, 当前为 %d", u.ChunkSize)
	case u.MaxConcurrent <= 0:
		return fmt.Errorf("upload.max_concurrent 必须大于0, 当前为 %d", u.MaxConcurrent)
	case u.MaxRetries < 0:
		return fmt.Errorf("upload.max_retries 不能为负数")
	case u.CommitRetries < 0:
		return fmt.Errorf("upload.commit_retries 不能为负数")
	}
	if u.MaxConcurrentLimit <= 0 {
		c.Upload.MaxConcurrentLimit = DefaultMaxConcurrentLimit
	}
	if u.MaxConcurrent > c.Upload.MaxConcurrentLimit {
		return fmt.Errorf("upload.max_concurrent(%d) 超过 upload.max_concurrent_limit(%d)", u.MaxConcurrent, c.Upload.MaxConcurrentLimit)
	}
	if c.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl 必须大于0")
	}
	if c.Lease.RenewInterval <= 0 || c.Lease.RenewInterval >= c.Lease.TTL {
		c.Lease.RenewInterval = c.Lease.TTL / 3
	}
	switch c.StateStore.Type {
	case "gorm", "badger":
	default:
		return fmt.Errorf("未知的 state_store.type: %q", c.StateStore.Type)
	}
	return nil
}
