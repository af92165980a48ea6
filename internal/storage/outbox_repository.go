package storage

import (
	"context"
	"fmt"
	"time"

	"funnel-sync-go/internal/constants"
	"funnel-sync-go/internal/storage/models"

	"gorm.io/gorm"
)

// OutboxRepository brevo_sync_outbox 表的存取。
// 所有状态迁移都是以当前状态为条件的单行更新，未命中即表示被其他写入者抢先。
type OutboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository 创建发件箱仓储
func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// FetchDue 取出到期的待发送消息，按创建时间升序
func (r *OutboxRepository) FetchDue(ctx context.Context, now time.Time, limit int) ([]models.OutboxMessage, error) {
	var messages []models.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", constants.OutboxStatusPending).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("查询待发送的发件箱消息失败: %w", err)
	}
	return messages, nil
}

// MarkSent pending -> sent。last_error 保留，作为此前重试的记录
func (r *OutboxRepository) MarkSent(ctx context.Context, id uint64, now time.Time) (bool, error) {
	return r.transition(ctx, id, nil, map[string]interface{}{
		"status":          constants.OutboxStatusSent,
		"next_attempt_at": nil,
		"updated_at":      now,
	})
}

// ScheduleRetry 保持 pending，写入新的重试次数和下次尝试时间。
// expectedRetryCount 为读取时的重试次数，用于防止两个分发者重复计数。
func (r *OutboxRepository) ScheduleRetry(ctx context.Context, id uint64, expectedRetryCount, retryCount int, nextAttemptAt time.Time, lastErr string, now time.Time) (bool, error) {
	return r.transition(ctx, id, &expectedRetryCount, map[string]interface{}{
		"retry_count":     retryCount,
		"next_attempt_at": nextAttemptAt,
		"last_error":      lastErr,
		"updated_at":      now,
	})
}

// MarkFailed pending -> failed（终态）
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uint64, expectedRetryCount, retryCount int, lastErr string, now time.Time) (bool, error) {
	return r.transition(ctx, id, &expectedRetryCount, map[string]interface{}{
		"status":          constants.OutboxStatusFailed,
		"retry_count":     retryCount,
		"next_attempt_at": nil,
		"last_error":      lastErr,
		"updated_at":      now,
	})
}

// transition 只在消息仍为 pending（且重试次数未变）时更新
func (r *OutboxRepository) transition(ctx context.Context, id uint64, expectedRetryCount *int, updates map[string]interface{}) (bool, error) {
	q := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", id, constants.OutboxStatusPending)
	if expectedRetryCount != nil {
		q = q.Where("retry_count = ?", *expectedRetryCount)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("更新发件箱消息 %d 失败: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CountByStatus 按状态统计消息数
func (r *OutboxRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("统计发件箱消息失败: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, rw := range rows {
		counts[rw.Status] = rw.Total
	}
	return counts, nil
}

// FailedFilter 运维工具筛选失败消息的条件
type FailedFilter struct {
	IDs           []uint64
	OperationType string
	Limit         int
}

func (r *OutboxRepository) failedQuery(ctx context.Context, filter FailedFilter) *gorm.DB {
	q := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("status = ?", constants.OutboxStatusFailed)
	if len(filter.IDs) > 0 {
		q = q.Where("id IN ?", filter.IDs)
	}
	if filter.OperationType != "" {
		q = q.Where("operation_type = ?", filter.OperationType)
	}
	return q
}

// ListFailed 列出符合条件的失败消息
func (r *OutboxRepository) ListFailed(ctx context.Context, filter FailedFilter) ([]models.OutboxMessage, error) {
	q := r.failedQuery(ctx, filter).Order("id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var messages []models.OutboxMessage
	if err := q.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("查询失败消息失败: %w", err)
	}
	return messages, nil
}

// RequeueFailed 将失败消息重新放回队列：failed -> pending，重试次数清零。
// 仅供人工修复使用，分发器本身从不离开 failed。
func (r *OutboxRepository) RequeueFailed(ctx context.Context, filter FailedFilter, now time.Time) (int64, error) {
	q := r.failedQuery(ctx, filter)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	res := q.Updates(map[string]interface{}{
		"status":          constants.OutboxStatusPending,
		"retry_count":     0,
		"next_attempt_at": nil,
		"updated_at":      now,
	})
	if res.Error != nil {
		return 0, fmt.Errorf("重新入队失败消息失败: %w", res.Error)
	}
	return res.RowsAffected, nil
}
