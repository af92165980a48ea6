// Package outbox 定义了发件箱模式中的分发器：把待发送的联系人快照推送到 Brevo。
//
// 每条消息的状态迁移都是独立的条件更新：
//
//	pending --成功--> sent
//	pending --瞬时失败, 未用尽重试--> pending (retry_count+1, next_attempt_at 推后)
//	pending --瞬时失败, 已用尽重试 / 永久失败--> failed
//
// sent 与 failed 为终态，分发器不会离开它们。
package outbox

import (
	"context"
	"sync"
	"time"

	"funnel-sync-go/internal/brevo"
	"funnel-sync-go/internal/constants"
	"funnel-sync-go/internal/metrics"
	"funnel-sync-go/internal/storage"
	"funnel-sync-go/internal/storage/models"
	"funnel-sync-go/internal/tracing"
	"funnel-sync-go/internal/types"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBatchSize   = constants.DefaultBatchLimit
	defaultConcurrency = 1
	defaultCallTimeout = 15 * time.Second

	// last_error 只保留前面一段
	maxLastErrorLength = 1000
)

// Store 发件箱存储，由 storage.OutboxRepository 实现。
// 迁移方法返回 false 表示消息已被其他写入者推进。
type Store interface {
	FetchDue(ctx context.Context, now time.Time, limit int) ([]models.OutboxMessage, error)
	MarkSent(ctx context.Context, id uint64, now time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, id uint64, expectedRetryCount, retryCount int, nextAttemptAt time.Time, lastErr string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uint64, expectedRetryCount, retryCount int, lastErr string, now time.Time) (bool, error)
}

var _ Store = (*storage.OutboxRepository)(nil)

// Upserter 外部联系人创建/更新能力，由 brevo.Client 实现
type Upserter interface {
	UpsertContact(ctx context.Context, contact brevo.Contact) error
}

var _ Upserter = (*brevo.Client)(nil)

// Result 单条消息的处理结果
type Result string

const (
	ResultSent           Result = "sent"
	ResultRetryScheduled Result = "retry_scheduled"
	ResultFailed         Result = "failed"
	// ResultLost 条件更新未命中，消息已被其他分发者处理
	ResultLost Result = "lost"
	// ResultSimulated 演练模式，只列出将要发送的消息
	ResultSimulated Result = "simulated"
	// ResultStoreError 外部调用已完成但状态写回失败，消息保持原状，下次运行会再取到
	ResultStoreError Result = "store_error"
)

// DispatchRecord 单条消息的处理记录
type DispatchRecord struct {
	MessageID     uint64
	EntryID       uint64
	Operation     string
	Result        Result
	RetryCount    int
	NextAttemptAt *time.Time
	Error         string
	Payload       brevo.Contact
}

// DispatchSummary 一次分发的统计
type DispatchSummary struct {
	Fetched        int
	Sent           int
	RetryScheduled int
	Failed         int
	Lost           int
	Simulated      int
	StoreErrors    int
	Records        []DispatchRecord
}

func (s *DispatchSummary) add(rec DispatchRecord) {
	switch rec.Result {
	case ResultSent:
		s.Sent++
	case ResultRetryScheduled:
		s.RetryScheduled++
	case ResultFailed:
		s.Failed++
	case ResultLost:
		s.Lost++
	case ResultSimulated:
		s.Simulated++
	case ResultStoreError:
		s.StoreErrors++
	}
	s.Records = append(s.Records, rec)
}

// Dispatcher 单次分发到期的发件箱消息，没有内部循环，由调用方决定运行频率
type Dispatcher struct {
	store       Store
	client      Upserter
	policy      RetryPolicy
	batchSize   int
	concurrency int
	callTimeout time.Duration
	clock       func() time.Time
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// Option 可选参数
type Option func(*Dispatcher)

// WithBatchSize 每次运行最多处理的消息数
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithConcurrency 同时处理的消息数
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithCallTimeout 单次外部调用的超时
func WithCallTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.callTimeout = timeout
		}
	}
}

// WithClock 替换时钟，测试用
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// NewDispatcher 创建分发器
func NewDispatcher(store Store, client Upserter, policy RetryPolicy, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		client:      client,
		policy:      policy,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
		callTimeout: defaultCallTimeout,
		clock:       time.Now,
		logger:      logger,
		tracer:      otel.Tracer("funnel-sync-go/outbox"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunOnce 取出一批到期消息并逐条处理。
// 单条消息的失败记录在该消息上；取消息失败或存储不可达时返回错误，已提交的迁移保持不变。
func (d *Dispatcher) RunOnce(ctx context.Context, mode types.RunMode) (DispatchSummary, error) {
	var summary DispatchSummary

	messages, err := d.store.FetchDue(ctx, d.clock(), d.batchSize)
	if err != nil {
		return summary, err
	}
	summary.Fetched = len(messages)

	// 只在有消息时创建追踪Span
	if len(messages) == 0 {
		return summary, nil
	}
	ctx, span := d.tracer.Start(ctx, "outbox.DispatchBatch",
		trace.WithAttributes(
			attribute.Int("messaging.batch.message_count", len(messages)),
			attribute.String("run.mode", mode.String()),
		),
	)
	defer span.End()

	d.logger.Info().Int("count", len(messages)).Str("mode", mode.String()).Msg("取到待发送的发件箱消息")

	if mode.IsDryRun() {
		for _, msg := range messages {
			summary.add(d.simulate(msg))
		}
		return summary, nil
	}

	runErr := d.dispatchAll(ctx, messages, &summary)
	if runErr != nil {
		tracing.RecordError(span, runErr, tracing.ErrorTypeDB)
		return summary, runErr
	}
	span.SetStatus(codes.Ok, "")
	return summary, nil
}

// dispatchAll 以有限并发处理消息，记录按取出顺序排列
func (d *Dispatcher) dispatchAll(ctx context.Context, messages []models.OutboxMessage, summary *DispatchSummary) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	records := make([]*DispatchRecord, len(messages))
	sem := make(chan struct{}, d.concurrency)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		runErr error
	)

	for i := range messages {
		if runCtx.Err() != nil {
			break
		}
		sem <- struct{}{}
		if runCtx.Err() != nil {
			<-sem
			break
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			rec, err := d.dispatch(runCtx, messages[i])
			mu.Lock()
			defer mu.Unlock()
			records[i] = &rec
			if err != nil && storage.IsUnavailable(err) && runErr == nil {
				runErr = err
				cancel()
			}
		}(i)
	}
	wg.Wait()

	for _, rec := range records {
		if rec != nil {
			summary.add(*rec)
		}
	}

	if runErr != nil {
		return runErr
	}
	return ctx.Err()
}

// simulate 演练模式：不调用外部接口，不修改状态
func (d *Dispatcher) simulate(msg models.OutboxMessage) DispatchRecord {
	rec := DispatchRecord{
		MessageID:  msg.ID,
		EntryID:    msg.FunnelEntryID,
		Operation:  msg.OperationType,
		Result:     ResultSimulated,
		RetryCount: msg.RetryCount,
	}
	contact, err := brevo.DecodeContact(msg.Payload)
	if err != nil {
		rec.Error = err.Error()
	}
	rec.Payload = contact

	metrics.OutboxDispatched.WithLabelValues(msg.OperationType, string(ResultSimulated)).Inc()
	d.logger.Info().
		Uint64("message_id", msg.ID).
		Str("operation", msg.OperationType).
		Str("email", tracing.MaskEmail(contact.Email)).
		Ints64("list_ids", contact.ListIDs).
		Int("retry_count", msg.RetryCount).
		Str("decode_error", rec.Error).
		Msg("演练模式: 将发送到 Brevo")
	return rec
}

// dispatch 处理一条消息。返回的 error 只表示状态写回失败。
func (d *Dispatcher) dispatch(ctx context.Context, msg models.OutboxMessage) (DispatchRecord, error) {
	ctx, span := d.tracer.Start(ctx, "outbox.Dispatch", trace.WithAttributes(
		attribute.Int64("outbox.message_id", int64(msg.ID)),
		attribute.String("outbox.operation", msg.OperationType),
		attribute.Int("outbox.retry_count", msg.RetryCount),
	))
	defer span.End()

	rec := DispatchRecord{
		MessageID:  msg.ID,
		EntryID:    msg.FunnelEntryID,
		Operation:  msg.OperationType,
		RetryCount: msg.RetryCount,
	}

	contact, callErr := brevo.DecodeContact(msg.Payload)
	if callErr == nil {
		rec.Payload = contact
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		callErr = d.client.UpsertContact(callCtx, contact)
		cancel()
	}

	now := d.clock()
	var (
		applied bool
		err     error
	)
	switch {
	case callErr == nil:
		rec.Result = ResultSent
		applied, err = d.store.MarkSent(ctx, msg.ID, now)

	case brevo.IsTransient(callErr):
		rec.Error = truncateError(callErr)
		dec := d.policy.onTransient(msg.RetryCount, now)
		rec.RetryCount = dec.retryCount
		if dec.terminal {
			rec.Result = ResultFailed
			applied, err = d.store.MarkFailed(ctx, msg.ID, msg.RetryCount, dec.retryCount, rec.Error, now)
		} else {
			rec.Result = ResultRetryScheduled
			next := dec.nextAttemptAt
			rec.NextAttemptAt = &next
			applied, err = d.store.ScheduleRetry(ctx, msg.ID, msg.RetryCount, dec.retryCount, next, rec.Error, now)
		}

	default:
		// 永久失败，重试次数保持不变
		rec.Result = ResultFailed
		rec.Error = truncateError(callErr)
		applied, err = d.store.MarkFailed(ctx, msg.ID, msg.RetryCount, msg.RetryCount, rec.Error, now)
	}

	if callErr != nil {
		errType := tracing.ErrorTypeTransient
		if brevo.IsPermanent(callErr) {
			errType = tracing.ErrorTypePermanent
		}
		tracing.RecordError(span, callErr, errType)
	}

	switch {
	case err != nil:
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		d.logger.Error().Err(err).
			Uint64("message_id", msg.ID).
			Str("intended", string(rec.Result)).
			Msg("写回发件箱状态失败")
		rec.Result = ResultStoreError
		rec.RetryCount = msg.RetryCount
		rec.NextAttemptAt = nil
	case !applied:
		d.logger.Warn().
			Uint64("message_id", msg.ID).
			Str("intended", string(rec.Result)).
			Msg("发件箱消息已被其他分发者处理")
		rec.Result = ResultLost
		rec.RetryCount = msg.RetryCount
		rec.NextAttemptAt = nil
	default:
		d.logResult(msg, rec)
	}

	span.SetAttributes(attribute.String("outbox.result", string(rec.Result)))
	metrics.OutboxDispatched.WithLabelValues(msg.OperationType, string(rec.Result)).Inc()
	return rec, err
}

func (d *Dispatcher) logResult(msg models.OutboxMessage, rec DispatchRecord) {
	var event *zerolog.Event
	switch rec.Result {
	case ResultSent:
		event = d.logger.Info()
	case ResultRetryScheduled:
		event = d.logger.Warn().Time("next_attempt_at", *rec.NextAttemptAt)
	default:
		event = d.logger.Error()
	}
	event.
		Uint64("message_id", msg.ID).
		Uint64("entry_id", msg.FunnelEntryID).
		Str("operation", msg.OperationType).
		Str("email", tracing.MaskEmail(rec.Payload.Email)).
		Int("retry_count", rec.RetryCount).
		Str("last_error", rec.Error).
		Str("result", string(rec.Result)).
		Msg("发件箱消息处理完成")
}

func truncateError(err error) string {
	return tracing.TruncateString(err.Error(), maxLastErrorLength)
}
