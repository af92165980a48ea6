package storage

import (
	"context"
	"fmt"

	"funnel-sync-go/internal/config"

	"github.com/rs/zerolog"
)

// Storage 存储管理器，聚合所有存储相关依赖
type Storage struct {
	// 关系型数据库，必需
	MySQL *MySQL

	// 键值存储，可选，仅用于运行锁
	Redis *Redis

	Entries    *EntryRepository
	Outbox     *OutboxRepository
	Candidates *CandidateSelector
	Purchases  *CertificatePurchaseSource

	logger zerolog.Logger
}

// NewStorage 创建存储管理器。
// MySQL 不可达时返回包装了 ErrStoreUnavailable 的错误；Redis 初始化失败只记录警告。
func NewStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	s := &Storage{logger: logger}

	mysqlDB, err := NewMySQL(&cfg.MySQL)
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.Ping(ctx); err != nil {
		_ = mysqlDB.Close()
		return nil, err
	}
	s.MySQL = mysqlDB
	logger.Info().Str("host", cfg.MySQL.Host).Str("database", cfg.MySQL.Database).Msg("MySQL连接成功")

	if cfg.Redis.Address != "" {
		s.Redis, err = NewRedisAdapter(&cfg.Redis)
		if err != nil {
			logger.Warn().Err(err).Msg("初始化Redis失败，将在没有运行锁的情况下继续")
		}
	} else {
		logger.Debug().Msg("Redis未配置, 跳过初始化")
	}

	s.wireRepositories()
	return s, nil
}

func (s *Storage) wireRepositories() {
	db := s.MySQL.DB()
	s.Entries = NewEntryRepository(db)
	s.Outbox = NewOutboxRepository(db)
	s.Candidates = NewCandidateSelector(db)
	s.Purchases = NewCertificatePurchaseSource(db)
}

// Ping 检查必需的存储是否可达
func (s *Storage) Ping(ctx context.Context) error {
	return s.MySQL.Ping(ctx)
}

// Close 关闭所有连接
func (s *Storage) Close() {
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			s.logger.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			s.logger.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
}
