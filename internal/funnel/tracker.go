// Package funnel 负责漏斗记录的生命周期：候选人入漏斗，以及证书购买的对账。
//
// 每次写入漏斗记录都与一条发件箱消息在同一事务中提交；Brevo 调用由 outbox 包异步完成。
package funnel

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
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
	"go.opentelemetry.io/otel/trace"
)

// EntryStore 漏斗记录存储，由 storage.EntryRepository 实现
type EntryStore interface {
	FindEntry(ctx context.Context, email, funnelType string, testID *int64) (*models.FunnelEntry, error)
	CreateEntryWithOutbox(ctx context.Context, entry *models.FunnelEntry, msg *models.OutboxMessage) error
	ListUnpurchased(ctx context.Context, afterID uint64, limit int) ([]models.FunnelEntry, error)
	MarkPurchasedWithOutbox(ctx context.Context, entryID uint64, purchasedAt time.Time, msg *models.OutboxMessage) (bool, error)
}

var _ EntryStore = (*storage.EntryRepository)(nil)

// ListResolver 返回漏斗对应的 Brevo 列表ID，<= 0 表示该漏斗未启用
type ListResolver func(funnelType string) int64

// Outcome 单个候选人的处理结果
type Outcome string

const (
	OutcomeCreated        Outcome = "created"
	OutcomeAlreadyTracked Outcome = "already_tracked"
	OutcomeWouldCreate    Outcome = "would_create"
	OutcomeSkipped        Outcome = "skipped"
)

// TrackResult 单个候选人的处理结果。演练模式下 Payload 是将要入队的快照。
type TrackResult struct {
	Email      string
	FunnelType string
	TestID     *int64
	Outcome    Outcome
	EntryID    uint64
	Reason     string
	Payload    brevo.Contact
}

// TrackSummary 一批候选人的统计
type TrackSummary struct {
	Total          int
	Created        int
	AlreadyTracked int
	WouldCreate    int
	Skipped        int
	Errors         int
	// 仅演练模式下记录，便于输出“将要做什么”
	WouldCreateResults []TrackResult
}

// Tracker 将候选人写入漏斗并入队 create_contact 消息
type Tracker struct {
	entries EntryStore
	lists   ListResolver
	clock   func() time.Time
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// TrackerOption 可选参数
type TrackerOption func(*Tracker)

// WithTrackerClock 替换时钟，测试用
func WithTrackerClock(clock func() time.Time) TrackerOption {
	return func(t *Tracker) { t.clock = clock }
}

// NewTracker 创建 Tracker
func NewTracker(entries EntryStore, lists ListResolver, logger zerolog.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		entries: entries,
		lists:   lists,
		clock:   time.Now,
		logger:  logger,
		tracer:  otel.Tracer("funnel-sync-go/funnel"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track 处理单个候选人。
// 无效候选人返回 OutcomeSkipped 且不报错；已存在的记录返回 OutcomeAlreadyTracked。
func (t *Tracker) Track(ctx context.Context, candidate types.Candidate, mode types.RunMode) (TrackResult, error) {
	email := types.NormalizeEmail(candidate.Email)
	result := TrackResult{
		Email:      email,
		FunnelType: candidate.FunnelType,
		TestID:     candidate.TestID,
	}

	ctx, span := t.tracer.Start(ctx, "funnel.Track", trace.WithAttributes(
		attribute.String("funnel.type", candidate.FunnelType),
		attribute.String("funnel.email", tracing.MaskEmail(email)),
		attribute.String("run.mode", mode.String()),
	))
	defer span.End()
	defer func() {
		span.SetAttributes(attribute.String("funnel.outcome", string(result.Outcome)))
	}()

	if err := ValidateCandidate(email, candidate.FunnelType); err != nil {
		result.Outcome = OutcomeSkipped
		result.Reason = err.Error()
		return result, nil
	}

	listID := t.lists(candidate.FunnelType)
	if listID <= 0 {
		result.Outcome = OutcomeSkipped
		result.Reason = "漏斗未配置 Brevo 列表"
		return result, nil
	}
	result.Payload = CreateContactSnapshot(email, candidate.FunnelType, candidate.TestID, listID)

	// 已存在的记录走 already_tracked；并发插入由唯一索引兜底
	existing, err := t.entries.FindEntry(ctx, email, candidate.FunnelType, candidate.TestID)
	if err != nil {
		err = newLookupError(email, candidate.FunnelType, err)
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return result, err
	}
	if existing != nil {
		result.Outcome = OutcomeAlreadyTracked
		result.EntryID = existing.ID
		return result, nil
	}

	if mode.IsDryRun() {
		result.Outcome = OutcomeWouldCreate
		return result, nil
	}

	msg, err := newOutboxMessage(constants.OperationCreateContact, result.Payload)
	if err != nil {
		err = newSnapshotError(email, candidate.FunnelType, err)
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return result, err
	}
	entry := &models.FunnelEntry{
		Email:      email,
		FunnelType: candidate.FunnelType,
		UserID:     candidate.UserID,
		TestID:     candidate.TestID,
		EnteredAt:  t.clock(),
	}

	err = t.entries.CreateEntryWithOutbox(ctx, entry, msg)
	switch {
	case err == nil:
		result.Outcome = OutcomeCreated
		result.EntryID = entry.ID
		return result, nil
	case errors.Is(err, storage.ErrDuplicateEntry):
		// 并发写入者抢先插入
		result.Outcome = OutcomeAlreadyTracked
		return result, nil
	default:
		err = newPersistError(email, candidate.FunnelType, err)
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return result, err
	}
}

// TrackAll 逐个处理候选人。单行错误计数后继续；存储不可达时中止并返回错误。
func (t *Tracker) TrackAll(ctx context.Context, candidates []types.Candidate, mode types.RunMode) (TrackSummary, error) {
	var summary TrackSummary

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Total++

		result, err := t.Track(ctx, candidate, mode)
		if err != nil {
			if storage.IsUnavailable(err) {
				return summary, err
			}
			summary.Errors++
			metrics.TrackedCandidates.WithLabelValues(candidate.FunnelType, "error").Inc()
			t.logger.Error().Err(err).
				Str("email", tracing.MaskEmail(result.Email)).
				Str("funnel_type", candidate.FunnelType).
				Msg("处理候选人失败")
			continue
		}

		metrics.TrackedCandidates.WithLabelValues(candidate.FunnelType, string(result.Outcome)).Inc()
		event := t.logger.Debug()
		switch result.Outcome {
		case OutcomeCreated:
			summary.Created++
			event = t.logger.Info()
		case OutcomeAlreadyTracked:
			summary.AlreadyTracked++
		case OutcomeWouldCreate:
			summary.WouldCreate++
			summary.WouldCreateResults = append(summary.WouldCreateResults, result)
			event = t.logger.Info()
		case OutcomeSkipped:
			summary.Skipped++
		}
		event.
			Str("email", tracing.MaskEmail(result.Email)).
			Str("funnel_type", result.FunnelType).
			Str("outcome", string(result.Outcome)).
			Str("reason", result.Reason).
			Uint64("entry_id", result.EntryID).
			Msg("候选人处理完成")
	}

	return summary, nil
}

// ValidateCandidate 检查规范化后的邮箱和漏斗类型，失败时返回包装了 ErrInvalidCandidate 的错误
func ValidateCandidate(email, funnelType string) error {
	if email == "" {
		return fmt.Errorf("%w: 邮箱为空", ErrInvalidCandidate)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return fmt.Errorf("%w: 邮箱格式无效", ErrInvalidCandidate)
	}
	if !constants.ValidFunnelType(funnelType) {
		return fmt.Errorf("%w: 未知的漏斗类型 %q", ErrInvalidCandidate, funnelType)
	}
	return nil
}
