package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv 清空会影响配置的环境变量，避免本机环境干扰断言
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "APP_DRY_RUN", "APP_LOG_LEVEL",
		"DB_HOST", "DB_PORT", "DB_USER", "DB_NAME", "DB_CHARSET",
		"REDIS_ADDRESS",
		"BREVO_API_KEY", "BREVO_BASE_URL", "BREVO_LANGUAGE_LIST_ID", "BREVO_NON_LANGUAGE_LIST_ID",
		"OUTBOX_MAX_RETRIES", "OUTBOX_BASE_BACKOFF", "OUTBOX_MAX_BACKOFF",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "PUSHGATEWAY_URL",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644), "无法写入临时配置文件")
	return configPath
}

// TestLoadConfigFromYAML 验证 YAML 中的字段能被正确加载
func TestLoadConfigFromYAML(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
app:
  environment: production
  dry_run: false
mysql:
  host: db.internal
  port: 3307
  database: funnels
brevo:
  language_list_id: 12
  non_language_list_id: 0
outbox:
  max_retries: 3
  base_backoff: 1m
  max_backoff: 30m
  batch_size: 50
`)

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "production", cfg.App.Environment)
	assert.False(t, cfg.App.IsDryRun())
	assert.Equal(t, "db.internal", cfg.MySQL.Host)
	assert.Equal(t, 3307, cfg.MySQL.Port)
	assert.Equal(t, "funnels", cfg.MySQL.Database)
	assert.Equal(t, int64(12), cfg.ListIDForFunnel("language"))
	assert.Equal(t, int64(0), cfg.ListIDForFunnel("non_language"))
	assert.Equal(t, 3, cfg.Outbox.MaxRetries)
	assert.Equal(t, time.Minute, cfg.BaseBackoffDuration())
	assert.Equal(t, 30*time.Minute, cfg.MaxBackoffDuration())
	assert.Equal(t, 50, cfg.Outbox.BatchSize)

	// 未配置的字段使用默认值
	assert.Equal(t, "https://api.brevo.com/v3", cfg.Brevo.BaseURL)
	assert.Equal(t, 10, cfg.Brevo.TimeoutSeconds)
	assert.Equal(t, "utf8mb4", cfg.MySQL.Charset)
}

// TestDryRunDefaultsToTrue 未配置 dry_run 时默认为演练模式
func TestDryRunDefaultsToTrue(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, "app:\n  environment: development\n")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.True(t, cfg.App.IsDryRun())
}

// TestEnvOverridesFile 环境变量优先于配置文件
func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
app:
  dry_run: true
mysql:
  host: from-file
outbox:
  max_retries: 3
`)
	t.Setenv("APP_DRY_RUN", "no")
	t.Setenv("DB_HOST", "from-env")
	t.Setenv("DB_PORT", "3310")
	t.Setenv("BREVO_API_KEY", "  secret-key  ")
	t.Setenv("BREVO_LANGUAGE_LIST_ID", "7")
	t.Setenv("OUTBOX_MAX_RETRIES", "8")
	t.Setenv("OUTBOX_BASE_BACKOFF", "30s")
	t.Setenv("OUTBOX_MAX_BACKOFF", "10m")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.False(t, cfg.App.IsDryRun())
	assert.Equal(t, "from-env", cfg.MySQL.Host)
	assert.Equal(t, 3310, cfg.MySQL.Port)
	assert.Equal(t, "secret-key", cfg.Brevo.APIKey)
	assert.Equal(t, int64(7), cfg.Brevo.LanguageListID)
	assert.Equal(t, 8, cfg.Outbox.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.BaseBackoffDuration())
	assert.Equal(t, 10*time.Minute, cfg.MaxBackoffDuration())
}

func TestEnvOverrideRejectsBadInteger(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, "app:\n  environment: test\n")
	t.Setenv("DB_PORT", "not-a-port")

	_, err := LoadConfig(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PORT")
}

func TestValidateRejectsBaseLargerThanMax(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
outbox:
  base_backoff: 1h
  max_backoff: 30m
`)

	_, err := LoadConfig(configPath)
	require.Error(t, err)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "配置文件不存在")
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "Y", " y "} {
		assert.True(t, ParseBool(v), v)
	}
	for _, v := range []string{"0", "false", "no", "", "maybe"} {
		assert.False(t, ParseBool(v), v)
	}
}

func TestCreateSampleConfigDoesNotOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.yaml")
	require.NoError(t, CreateSampleConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "base_backoff: 1m")

	assert.Error(t, CreateSampleConfig(path), "已存在的文件不应被覆盖")
}
