// Package job 编排一次完整的同步运行：候选人入漏斗、购买对账、发件箱分发。
package job

import (
	"context"
	"fmt"
	"time"

	"funnel-sync-go/internal/constants"
	"funnel-sync-go/internal/funnel"
	"funnel-sync-go/internal/metrics"
	"funnel-sync-go/internal/outbox"
	"funnel-sync-go/internal/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Pinger 检查必需的存储是否可达
type Pinger interface {
	Ping(ctx context.Context) error
}

// Locker 单实例运行锁，由 storage.Redis 实现。锁被占用时 AcquireLock 返回空字符串。
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
}

// CandidateSource 候选人来源，由 storage.CandidateSelector 实现
type CandidateSource interface {
	Candidates(ctx context.Context, lookbackDays, limit int) ([]types.Candidate, error)
}

// StatusCounter 统计发件箱积压，由 storage.OutboxRepository 实现
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type CandidateTracker interface {
	TrackAll(ctx context.Context, candidates []types.Candidate, mode types.RunMode) (funnel.TrackSummary, error)
}

type PurchaseReconciler interface {
	Reconcile(ctx context.Context, mode types.RunMode, pageSize int) (funnel.ReconcileSummary, error)
}

type OutboxDispatcher interface {
	RunOnce(ctx context.Context, mode types.RunMode) (outbox.DispatchSummary, error)
}

// Options 运行参数
type Options struct {
	LookbackDays   int
	CandidateLimit int
	// 对账每页条数，对账本身会扫描全部未购买记录
	ReconcileLimit int

	LockKey string
	LockTTL time.Duration

	PushgatewayURL string
	MetricsJobName string
}

// Deps Runner 的依赖。Locker 和 Counter 可以为 nil。
type Deps struct {
	Store      Pinger
	Locker     Locker
	Candidates CandidateSource
	Tracker    CandidateTracker
	Reconciler PurchaseReconciler
	Dispatcher OutboxDispatcher
	Counter    StatusCounter
}

// RunSummary 一次运行的结果
type RunSummary struct {
	RunID    string
	Mode     types.RunMode
	Skipped  bool
	Tracking funnel.TrackSummary
	Purchase funnel.ReconcileSummary
	Dispatch outbox.DispatchSummary
	Backlog  map[string]int64
	Duration time.Duration
}

// Runner 执行一次同步
type Runner struct {
	deps   Deps
	opts   Options
	clock  func() time.Time
	logger zerolog.Logger
}

// NewRunner 创建 Runner
func NewRunner(deps Deps, opts Options, logger zerolog.Logger) *Runner {
	if opts.LockKey == "" {
		opts.LockKey = fmt.Sprintf(constants.KeyRunLock, "sync")
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = constants.DefaultRunLockTTL
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = constants.DefaultCandidateLookbackDays
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = constants.DefaultBatchLimit
	}
	if opts.ReconcileLimit <= 0 {
		opts.ReconcileLimit = constants.DefaultBatchLimit
	}
	return &Runner{deps: deps, opts: opts, clock: time.Now, logger: logger}
}

// RunOnce 执行一次完整运行。
// 存储不可达时返回错误；单条记录的失败只记录在结果里，不影响返回值。
func (r *Runner) RunOnce(ctx context.Context, mode types.RunMode) (RunSummary, error) {
	start := r.clock()
	summary := RunSummary{RunID: uuid.NewString(), Mode: mode}
	log := r.logger.With().Str("run_id", summary.RunID).Str("mode", mode.String()).Logger()

	if err := r.deps.Store.Ping(ctx); err != nil {
		return summary, fmt.Errorf("存储不可用: %w", err)
	}

	release, acquired := r.acquireLock(ctx, log)
	if !acquired {
		summary.Skipped = true
		metrics.RunsSkipped.Inc()
		log.Info().Msg("另一个运行持有锁，本次跳过")
		return summary, nil
	}
	defer release()

	log.Info().Msg("开始同步运行")

	candidates, err := r.deps.Candidates.Candidates(ctx, r.opts.LookbackDays, r.opts.CandidateLimit)
	if err != nil {
		return summary, fmt.Errorf("查询候选人失败: %w", err)
	}
	log.Info().Int("count", len(candidates)).Msg("候选人查询完成")

	summary.Tracking, err = r.deps.Tracker.TrackAll(ctx, candidates, mode)
	if err != nil {
		return summary, fmt.Errorf("处理候选人失败: %w", err)
	}

	summary.Purchase, err = r.deps.Reconciler.Reconcile(ctx, mode, r.opts.ReconcileLimit)
	if err != nil {
		return summary, fmt.Errorf("购买对账失败: %w", err)
	}

	summary.Dispatch, err = r.deps.Dispatcher.RunOnce(ctx, mode)
	if err != nil {
		return summary, fmt.Errorf("发件箱分发失败: %w", err)
	}

	if r.deps.Counter != nil {
		backlog, err := r.deps.Counter.CountByStatus(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("统计发件箱积压失败")
		} else {
			summary.Backlog = backlog
			for _, status := range []string{constants.OutboxStatusPending, constants.OutboxStatusSent, constants.OutboxStatusFailed} {
				metrics.OutboxBacklog.WithLabelValues(status).Set(float64(backlog[status]))
			}
		}
	}

	summary.Duration = r.clock().Sub(start)
	metrics.RunDuration.Set(summary.Duration.Seconds())
	metrics.RunLastSuccess.Set(float64(r.clock().Unix()))
	r.logSummary(log, summary)
	return summary, nil
}

// acquireLock 获取运行锁。未配置锁或 Redis 出错时照常运行，行级条件更新保证正确性。
func (r *Runner) acquireLock(ctx context.Context, log zerolog.Logger) (func(), bool) {
	noop := func() {}
	if r.deps.Locker == nil {
		return noop, true
	}

	token, err := r.deps.Locker.AcquireLock(ctx, r.opts.LockKey, r.opts.LockTTL)
	if err != nil {
		log.Warn().Err(err).Msg("获取运行锁失败，继续运行")
		return noop, true
	}
	if token == "" {
		return noop, false
	}

	return func() {
		// 运行可能因取消而结束，释放锁使用独立的上下文
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := r.deps.Locker.ReleaseLock(releaseCtx, r.opts.LockKey, token); err != nil {
			log.Warn().Err(err).Msg("释放运行锁失败，将等待过期")
		}
	}, true
}

func (r *Runner) logSummary(log zerolog.Logger, s RunSummary) {
	event := log.Info().
		Int("candidates", s.Tracking.Total).
		Int("created", s.Tracking.Created).
		Int("already_tracked", s.Tracking.AlreadyTracked).
		Int("would_create", s.Tracking.WouldCreate).
		Int("skipped", s.Tracking.Skipped).
		Int("track_errors", s.Tracking.Errors).
		Int("purchases_marked", s.Purchase.Marked).
		Int("purchases_would_mark", s.Purchase.WouldMark).
		Int("purchase_errors", s.Purchase.Errors).
		Int("outbox_fetched", s.Dispatch.Fetched).
		Int("outbox_sent", s.Dispatch.Sent).
		Int("outbox_retry", s.Dispatch.RetryScheduled).
		Int("outbox_failed", s.Dispatch.Failed).
		Int("outbox_simulated", s.Dispatch.Simulated).
		Dur("duration", s.Duration)
	if s.Backlog != nil {
		event = event.
			Int64("backlog_pending", s.Backlog[constants.OutboxStatusPending]).
			Int64("backlog_failed", s.Backlog[constants.OutboxStatusFailed])
	}
	event.Msg("同步运行完成")
}

// PushMetrics 运行结束后推送指标，失败只记录日志
func (r *Runner) PushMetrics(ctx context.Context) {
	if r.opts.PushgatewayURL == "" {
		return
	}
	if err := metrics.Push(ctx, r.opts.PushgatewayURL, r.opts.MetricsJobName); err != nil {
		r.logger.Warn().Err(err).Msg("推送指标失败")
	}
}
