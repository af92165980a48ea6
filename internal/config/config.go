package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 应用程序配置
type Config struct {
	App AppConfig `yaml:"app"`

	// MySQL 既存放漏斗表，也是候选人与支付记录的来源库
	MySQL MySQLConfig `yaml:"mysql"`

	// Redis 仅用于单次运行互斥锁，可不配置
	Redis RedisConfig `yaml:"redis"`

	Brevo BrevoConfig `yaml:"brevo"`

	Outbox OutboxConfig `yaml:"outbox"`

	Funnel FunnelConfig `yaml:"funnel"`

	Logger LoggerConfig `yaml:"logger"`

	Tracing TracingConfig `yaml:"tracing"`

	Metrics MetricsConfig `yaml:"metrics"`
}

// AppConfig 运行环境与演练开关
type AppConfig struct {
	Environment string `yaml:"environment"` // development, production
	// DryRun 未配置时默认开启，避免误发
	DryRun *bool `yaml:"dry_run"`
}

// IsDryRun 返回最终生效的演练开关
func (a AppConfig) IsDryRun() bool {
	if a.DryRun == nil {
		return true
	}
	return *a.DryRun
}

// MySQLConfig MySQL配置结构
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Charset  string `yaml:"charset"`
	// 连接池设置
	MaxIdleConns int `yaml:"max_idle_conns"` // 最大空闲连接数
	MaxOpenConns int `yaml:"max_open_conns"` // 最大打开连接数
	// 连接生命周期
	ConnMaxLifetimeMinutes int `yaml:"conn_max_lifetime_minutes"`  // 连接最大生命周期(分钟)
	ConnMaxIdleTimeMinutes int `yaml:"conn_max_idle_time_minutes"` // 空闲连接最大生命周期(分钟)
	// 超时设置
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"` // 连接超时(秒)
	ReadTimeoutSeconds    int `yaml:"read_timeout_seconds"`    // 读取超时(秒)
	WriteTimeoutSeconds   int `yaml:"write_timeout_seconds"`   // 写入超时(秒)
	// 日志设置
	LogLevel int `yaml:"log_level"` // 日志级别(1-4)
	// 启动时是否自动迁移 funnel_entries / brevo_sync_outbox
	AutoMigrate bool `yaml:"auto_migrate"`
}

// RedisConfig holds configuration for Redis
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// 连接池设置
	PoolSize     int `yaml:"pool_size"`      // 连接池大小
	MinIdleConns int `yaml:"min_idle_conns"` // 最小空闲连接数
	// 超时设置
	DialTimeoutSeconds  int `yaml:"dial_timeout_seconds"`  // 连接超时(秒)
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds"`  // 读取超时(秒)
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"` // 写入超时(秒)
	// 重试设置
	MaxRetries int `yaml:"max_retries"` // 最大重试次数
	// 运行锁过期时间，例如 "15m"
	RunLockTTL string `yaml:"run_lock_ttl"`
}

// BrevoConfig Brevo 接口配置
type BrevoConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// 列表ID <= 0 表示该漏斗不启用
	LanguageListID    int64 `yaml:"language_list_id"`
	NonLanguageListID int64 `yaml:"non_language_list_id"`

	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// 熔断器: 连续失败次数达到阈值后打开，OpenSeconds 后进入半开
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold"`
	BreakerOpenSeconds      int `yaml:"breaker_open_seconds"`
}

// OutboxConfig 发件箱分发与重试策略
type OutboxConfig struct {
	MaxRetries  int    `yaml:"max_retries"`
	BaseBackoff string `yaml:"base_backoff"` // 例如 "1m"
	MaxBackoff  string `yaml:"max_backoff"`  // 例如 "30m"
	BatchSize   int    `yaml:"batch_size"`
	Concurrency int    `yaml:"concurrency"`
}

// FunnelConfig 候选人筛选与购买对账参数
type FunnelConfig struct {
	CandidateLimit int `yaml:"candidate_limit"`
	LookbackDays   int `yaml:"lookback_days"`
	ReconcileLimit int `yaml:"reconcile_limit"` // 对账分页大小
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level        string `yaml:"level"`         // debug, info, warn, error
	Format       string `yaml:"format"`        // json, pretty
	TimeFormat   string `yaml:"time_format"`   // 时间格式
	ReportCaller bool   `yaml:"report_caller"` // 是否报告调用位置
	File         string `yaml:"file"`          // 额外写入的日志文件，为空则只输出到控制台
}

// TracingConfig OpenTelemetry 导出配置
type TracingConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"` // 为空则不导出
	ServiceName  string  `yaml:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// MetricsConfig Prometheus Pushgateway 配置
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"` // 为空则不推送
	JobName        string `yaml:"job_name"`
}

// LoadConfig 从文件加载配置。
// configPath 为空时在默认位置查找；找不到文件时只使用环境变量与默认值。
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在不算错误
	_ = godotenv.Load()

	explicit := configPath != ""
	if !explicit {
		configPath = findConfigFile()
	}

	var config Config
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if explicit && os.IsNotExist(err) {
				return nil, fmt.Errorf("配置文件不存在: %s", configPath)
			}
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// findConfigFile 尝试在常见位置查找配置文件
func findConfigFile() string {
	searchPaths := []string{
		"config.yaml",
		"./config/config.yaml",
		"../config.yaml",
		filepath.Join(os.Getenv("HOME"), ".funnel-sync", "config.yaml"),
	}

	// 可执行文件所在目录
	if execPath, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(execPath), "config.yaml"))
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// applyEnvOverrides 从环境变量覆盖配置（如果存在）
func applyEnvOverrides(config *Config) error {
	if v := os.Getenv("APP_ENV"); v != "" {
		config.App.Environment = v
	}
	if v := os.Getenv("APP_DRY_RUN"); v != "" {
		dryRun := ParseBool(v)
		config.App.DryRun = &dryRun
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		config.Logger.Level = strings.ToLower(v)
	}

	if v := os.Getenv("DB_HOST"); v != "" {
		config.MySQL.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DB_PORT 不是合法整数: %q", v)
		}
		config.MySQL.Port = port
	}
	if v := os.Getenv("DB_USER"); v != "" {
		config.MySQL.Username = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		config.MySQL.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		config.MySQL.Database = v
	}
	if v := os.Getenv("DB_CHARSET"); v != "" {
		config.MySQL.Charset = v
	}

	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		config.Redis.Address = v
	}

	if v := os.Getenv("BREVO_API_KEY"); v != "" {
		config.Brevo.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BREVO_BASE_URL"); v != "" {
		config.Brevo.BaseURL = v
	}
	if v := os.Getenv("BREVO_LANGUAGE_LIST_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("BREVO_LANGUAGE_LIST_ID 不是合法整数: %q", v)
		}
		config.Brevo.LanguageListID = id
	}
	if v := os.Getenv("BREVO_NON_LANGUAGE_LIST_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("BREVO_NON_LANGUAGE_LIST_ID 不是合法整数: %q", v)
		}
		config.Brevo.NonLanguageListID = id
	}

	if v := os.Getenv("OUTBOX_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OUTBOX_MAX_RETRIES 不是合法整数: %q", v)
		}
		config.Outbox.MaxRetries = n
	}
	if v := os.Getenv("OUTBOX_BASE_BACKOFF"); v != "" {
		config.Outbox.BaseBackoff = v
	}
	if v := os.Getenv("OUTBOX_MAX_BACKOFF"); v != "" {
		config.Outbox.MaxBackoff = v
	}

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OTLPEndpoint = v
	}
	if v := os.Getenv("PUSHGATEWAY_URL"); v != "" {
		config.Metrics.PushgatewayURL = v
	}
	return nil
}

// applyDefaults 设置默认值
func applyDefaults(config *Config) {
	if config.App.Environment == "" {
		config.App.Environment = "development"
	}

	if config.MySQL.Host == "" {
		config.MySQL.Host = "127.0.0.1"
	}
	if config.MySQL.Port == 0 {
		config.MySQL.Port = 3306
	}
	if config.MySQL.Database == "" {
		config.MySQL.Database = "testizer"
	}
	if config.MySQL.Charset == "" {
		config.MySQL.Charset = "utf8mb4"
	}
	if config.MySQL.MaxIdleConns == 0 {
		config.MySQL.MaxIdleConns = 5
	}
	if config.MySQL.MaxOpenConns == 0 {
		config.MySQL.MaxOpenConns = 10
	}
	if config.MySQL.ConnMaxLifetimeMinutes == 0 {
		config.MySQL.ConnMaxLifetimeMinutes = 60
	}
	if config.MySQL.ConnMaxIdleTimeMinutes == 0 {
		config.MySQL.ConnMaxIdleTimeMinutes = 30
	}
	if config.MySQL.ConnectTimeoutSeconds == 0 {
		config.MySQL.ConnectTimeoutSeconds = 10
	}
	if config.MySQL.ReadTimeoutSeconds == 0 {
		config.MySQL.ReadTimeoutSeconds = 30
	}
	if config.MySQL.WriteTimeoutSeconds == 0 {
		config.MySQL.WriteTimeoutSeconds = 30
	}
	if config.MySQL.LogLevel == 0 {
		config.MySQL.LogLevel = 2 // Error
	}

	if config.Redis.PoolSize == 0 {
		config.Redis.PoolSize = 4
	}
	if config.Redis.DialTimeoutSeconds == 0 {
		config.Redis.DialTimeoutSeconds = 5
	}
	if config.Redis.ReadTimeoutSeconds == 0 {
		config.Redis.ReadTimeoutSeconds = 3
	}
	if config.Redis.WriteTimeoutSeconds == 0 {
		config.Redis.WriteTimeoutSeconds = 3
	}
	if config.Redis.RunLockTTL == "" {
		config.Redis.RunLockTTL = "15m"
	}

	if config.Brevo.BaseURL == "" {
		config.Brevo.BaseURL = "https://api.brevo.com/v3"
	}
	if config.Brevo.TimeoutSeconds == 0 {
		config.Brevo.TimeoutSeconds = 10
	}
	if config.Brevo.RequestsPerSecond == 0 {
		config.Brevo.RequestsPerSecond = 10
	}
	if config.Brevo.Burst == 0 {
		config.Brevo.Burst = 5
	}
	if config.Brevo.BreakerFailureThreshold == 0 {
		config.Brevo.BreakerFailureThreshold = 5
	}
	if config.Brevo.BreakerOpenSeconds == 0 {
		config.Brevo.BreakerOpenSeconds = 30
	}

	if config.Outbox.MaxRetries == 0 {
		config.Outbox.MaxRetries = 5
	}
	if config.Outbox.BaseBackoff == "" {
		config.Outbox.BaseBackoff = "1m"
	}
	if config.Outbox.MaxBackoff == "" {
		config.Outbox.MaxBackoff = "30m"
	}
	if config.Outbox.BatchSize == 0 {
		config.Outbox.BatchSize = 100
	}
	if config.Outbox.Concurrency == 0 {
		config.Outbox.Concurrency = 1
	}

	if config.Funnel.CandidateLimit == 0 {
		config.Funnel.CandidateLimit = 100
	}
	if config.Funnel.LookbackDays == 0 {
		config.Funnel.LookbackDays = 30
	}
	if config.Funnel.ReconcileLimit == 0 {
		config.Funnel.ReconcileLimit = 100
	}

	if config.Logger.Level == "" {
		config.Logger.Level = "info"
	}
	if config.Logger.Format == "" {
		config.Logger.Format = "pretty"
	}

	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = "funnel-sync"
	}
	if config.Tracing.SampleRatio == 0 {
		config.Tracing.SampleRatio = 1
	}
	if config.Metrics.JobName == "" {
		config.Metrics.JobName = "funnel_sync"
	}
}

// Validate 校验重试策略等必须为正的参数
func (c *Config) Validate() error {
	if c.Outbox.MaxRetries < 0 {
		return fmt.Errorf("outbox.max_retries 不能为负数: %d", c.Outbox.MaxRetries)
	}
	base, err := time.ParseDuration(c.Outbox.BaseBackoff)
	if err != nil || base <= 0 {
		return fmt.Errorf("outbox.base_backoff 无效: %q", c.Outbox.BaseBackoff)
	}
	maxBackoff, err := time.ParseDuration(c.Outbox.MaxBackoff)
	if err != nil || maxBackoff <= 0 {
		return fmt.Errorf("outbox.max_backoff 无效: %q", c.Outbox.MaxBackoff)
	}
	if base > maxBackoff {
		return fmt.Errorf("outbox.base_backoff (%s) 不能大于 outbox.max_backoff (%s)", base, maxBackoff)
	}
	if c.Outbox.BatchSize < 0 || c.Outbox.Concurrency < 0 {
		return fmt.Errorf("outbox.batch_size 与 outbox.concurrency 不能为负数")
	}
	return nil
}

// BaseBackoffDuration 解析后的基础退避时间
func (c *Config) BaseBackoffDuration() time.Duration {
	return GetDuration(c.Outbox.BaseBackoff, time.Minute)
}

// MaxBackoffDuration 解析后的退避上限
func (c *Config) MaxBackoffDuration() time.Duration {
	return GetDuration(c.Outbox.MaxBackoff, 30*time.Minute)
}

// ListIDForFunnel 返回漏斗对应的 Brevo 列表ID，<= 0 表示未启用
func (c *Config) ListIDForFunnel(funnelType string) int64 {
	switch funnelType {
	case "language":
		return c.Brevo.LanguageListID
	case "non_language":
		return c.Brevo.NonLanguageListID
	default:
		return 0
	}
}

// CreateSampleConfig 创建一个示例配置文件
func CreateSampleConfig(filePath string) error {
	// 检查文件是否已存在
	if _, err := os.Stat(filePath); err == nil {
		return fmt.Errorf("文件 '%s' 已存在，不会覆盖", filePath)
	}

	config := &Config{}
	applyDefaults(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("写入示例配置文件 '%s' 失败: %w", filePath, err)
	}
	return nil
}

// ParseBool 解析环境变量里的布尔值，1/true/yes/y 视为真
func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}

// GetDuration utility to parse duration strings from config
func GetDuration(durationStr string, defaultDuration time.Duration) time.Duration {
	if durationStr == "" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return defaultDuration
	}
	return d
}
