package job

import (
	"fmt"
	"time"

	"funnel-sync-go/internal/config"
	"funnel-sync-go/internal/constants"
	"funnel-sync-go/internal/funnel"
	"funnel-sync-go/internal/logger"
	"funnel-sync-go/internal/outbox"
	"funnel-sync-go/internal/storage"
)

// RetryPolicyFromConfig 由配置构造重试策略
func RetryPolicyFromConfig(cfg *config.Config) outbox.RetryPolicy {
	return outbox.RetryPolicy{
		MaxRetries: cfg.Outbox.MaxRetries,
		BaseDelay:  cfg.BaseBackoffDuration(),
		MaxDelay:   cfg.MaxBackoffDuration(),
	}
}

// Build 根据配置和已连接的存储装配 Runner
func Build(cfg *config.Config, st *storage.Storage, client outbox.Upserter) (*Runner, error) {
	policy := RetryPolicyFromConfig(cfg)
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("重试策略配置无效: %w", err)
	}

	tracker := funnel.NewTracker(st.Entries, cfg.ListIDForFunnel, logger.Component("tracker"))
	reconciler := funnel.NewReconciler(st.Entries, st.Purchases, logger.Component("reconciler"))
	dispatcher := outbox.NewDispatcher(st.Outbox, client, policy, logger.Component("dispatcher"),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithConcurrency(cfg.Outbox.Concurrency),
		// 留出一点余量给客户端自身的超时和限流等待
		outbox.WithCallTimeout(time.Duration(cfg.Brevo.TimeoutSeconds)*time.Second+5*time.Second),
	)

	deps := Deps{
		Store:      st,
		Candidates: st.Candidates,
		Tracker:    tracker,
		Reconciler: reconciler,
		Dispatcher: dispatcher,
		Counter:    st.Outbox,
	}
	// 避免把 nil 指针装进接口
	if st.Redis != nil {
		deps.Locker = st.Redis
	}

	opts := Options{
		LookbackDays:   cfg.Funnel.LookbackDays,
		CandidateLimit: cfg.Funnel.CandidateLimit,
		ReconcileLimit: cfg.Funnel.ReconcileLimit,
		LockTTL:        config.GetDuration(cfg.Redis.RunLockTTL, constants.DefaultRunLockTTL),
		PushgatewayURL: cfg.Metrics.PushgatewayURL,
		MetricsJobName: cfg.Metrics.JobName,
	}
	return NewRunner(deps, opts, logger.Component("job")), nil
}
