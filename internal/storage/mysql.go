package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"funnel-sync-go/internal/config"
	"funnel-sync-go/internal/storage/models"
	"funnel-sync-go/internal/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("funnel-sync-go/storage/mysql")

// spanContextKey 在 gorm Statement.Context 中保存 span 的键
type spanContextKey struct{}

// GormTracingPlugin 是一个GORM插件，用于向OpenTelemetry中添加数据库操作的追踪点
type GormTracingPlugin struct {
	tracer         trace.Tracer
	dbName         string
	disableErrSkip bool
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	type registration struct {
		operation string
		before    func() error
		after     func() error
	}
	regs := []registration{
		{"CREATE",
			func() error {
				return cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE"))
			},
			func() error { return cb.Create().After("gorm:create").Register("otel:after_create", p.after()) }},
		{"SELECT",
			func() error {
				return cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT"))
			},
			func() error { return cb.Query().After("gorm:query").Register("otel:after_query", p.after()) }},
		{"UPDATE",
			func() error {
				return cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE"))
			},
			func() error { return cb.Update().After("gorm:update").Register("otel:after_update", p.after()) }},
		{"DELETE",
			func() error {
				return cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE"))
			},
			func() error { return cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after()) }},
		{"ROW",
			func() error { return cb.Row().Before("gorm:row").Register("otel:before_row", p.before("ROW")) },
			func() error { return cb.Row().After("gorm:row").Register("otel:after_row", p.after()) }},
		{"RAW",
			func() error { return cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")) },
			func() error { return cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after()) }},
	}

	for _, reg := range regs {
		if err := reg.before(); err != nil {
			return fmt.Errorf("注册 %s before 回调失败: %w", reg.operation, err)
		}
		if err := reg.after(); err != nil {
			return fmt.Errorf("注册 %s after 回调失败: %w", reg.operation, err)
		}
	}
	return nil
}

// before 返回在GORM操作之前执行的回调函数
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if p.disableErrSkip && db.Statement.SkipHooks {
			return
		}

		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		opts := []trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		}
		if sqlStatement := db.Statement.SQL.String(); sqlStatement != "" {
			opts = append(opts, trace.WithAttributes(
				attribute.String("db.statement", tracing.SafeSQL(sqlStatement)),
			))
		}

		newCtx, span := p.tracer.Start(ctx, operation+" "+tableName, opts...)
		db.Statement.Context = context.WithValue(newCtx, spanContextKey{}, span)
	}
}

// after 返回在GORM操作之后执行的回调函数
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if db.Statement.Context == nil {
			return
		}
		span, ok := db.Statement.Context.Value(spanContextKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		switch {
		case db.Error == nil:
			span.SetStatus(codes.Ok, "")
		case db.Error == gorm.ErrRecordNotFound:
			// 查无记录是正常业务分支
			span.SetAttributes(attribute.String("error.type", "record_not_found"))
			span.SetStatus(codes.Ok, "record not found")
		case IsDuplicateKey(db.Error):
			// 唯一键冲突由上层视为幂等的“已存在”
			span.SetAttributes(attribute.String("error.type", "duplicate_key"))
			span.SetStatus(codes.Ok, "duplicate key")
		default:
			tracing.RecordError(span, db.Error, tracing.ErrorTypeDB)
		}
	}
}

// NewGormTracingPlugin 创建一个新的GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer:         mysqlTracer,
		dbName:         dbName,
		disableErrSkip: true,
	}
}

// WithDisableErrSkip 设置是否禁用错误跳过
func (p *GormTracingPlugin) WithDisableErrSkip(disable bool) *GormTracingPlugin {
	p.disableErrSkip = disable
	return p
}

// Database 关系数据库接口
type Database interface {
	// DB 返回GORM数据库连接实例
	DB() *gorm.DB
	// Ping 检查数据库是否可达
	Ping(ctx context.Context) error
	// Close 关闭数据库连接
	Close() error
}

var _ Database = (*MySQL)(nil)

// MySQL 提供关系数据库功能
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// BuildDSN 根据配置构建 MySQL DSN
func BuildDSN(cfg *config.MySQLConfig) string {
	charset := cfg.Charset
	if charset == "" {
		charset = "utf8mb4"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, charset,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)
}

// gormLogLevel 将配置中的 1-4 映射到 GORM 日志级别
func gormLogLevel(level int) logger.LogLevel {
	switch level {
	case 1:
		return logger.Silent
	case 2:
		return logger.Error
	case 3:
		return logger.Warn
	case 4:
		return logger.Info
	default:
		return logger.Error
	}
}

// NewMySQL 创建MySQL客户端。连接或迁移失败时返回的错误包装了 ErrStoreUnavailable。
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
		PrepareStmt:                              true,
		// 让驱动把 1062 翻译成 gorm.ErrDuplicatedKey
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(BuildDSN(cfg)), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: 连接MySQL失败: %v", ErrStoreUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}

	// 设置连接池参数
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m := &MySQL{
		db:  db,
		cfg: cfg,
	}

	// 注册OpenTelemetry追踪插件
	if err := db.Use(NewGormTracingPlugin(cfg.Database).WithDisableErrSkip(true)); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	if cfg.AutoMigrate {
		if err := m.autoMigrateSchema(); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("%w: 自动迁移数据库结构失败: %v", ErrStoreUnavailable, err)
		}
	}

	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移漏斗与发件箱两张表
func (m *MySQL) autoMigrateSchema() error {
	silentLogger := logger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	return m.db.Session(&gorm.Session{Logger: silentLogger}).AutoMigrate(
		&models.FunnelEntry{},
		&models.OutboxMessage{},
	)
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Ping 检查数据库连通性，失败时返回 ErrStoreUnavailable
func (m *MySQL) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
