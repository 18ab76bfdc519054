package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, int64(8*1024*1024), cfg.Upload.ChunkSize)
	assert.Equal(t, 3, cfg.Upload.MaxRetries)
	assert.Equal(t, 4, cfg.Upload.MaxConcurrent)
	assert.Equal(t, DefaultMaxConcurrentLimit, cfg.Upload.MaxConcurrentLimit)
	assert.Equal(t, 30*time.Second, cfg.Lease.TTL)
	assert.Equal(t, "gorm", cfg.StateStore.Type)
	assert.Same(t, cfg, AppConfig)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: "9090"
storageconfig:
  type: s3
upload:
  chunk_size: 1000000
  max_concurrent: 2
  commit_retry_delay: 250ms
state_store:
  type: badger
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("GO_UPLOADER_UPLOAD_MAX_RETRIES", "7")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, int64(1000000), cfg.Upload.ChunkSize)
	assert.Equal(t, 2, cfg.Upload.MaxConcurrent)
	assert.Equal(t, 7, cfg.Upload.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Upload.CommitRetryDelay)
	assert.Equal(t, "badger", cfg.StateStore.Type)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Upload:     UploadConfig{ChunkSize: 1, MaxConcurrent: 1},
			Lease:      LeaseConfig{TTL: 30 * time.Second},
			StateStore: StateStoreConfig{Type: "gorm"},
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Lease.RenewInterval)
	assert.Equal(t, DefaultMaxConcurrentLimit, cfg.Upload.MaxConcurrentLimit)

	cfg = base()
	cfg.Upload.MaxConcurrent = 8
	cfg.Upload.MaxConcurrentLimit = 4
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Upload.ChunkSize = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Upload.MaxConcurrent = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.StateStore.Type = "etcd"
	assert.Error(t, cfg.Validate())
}
