package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"funnel-sync-go/internal/constants"
	"funnel-sync-go/internal/storage/models"

	"gorm.io/gorm"
)

// EntryRepository 漏斗记录的存取，所有写操作都与发件箱消息在同一事务中提交
type EntryRepository struct {
	db *gorm.DB
}

// NewEntryRepository 创建漏斗记录仓储
func NewEntryRepository(db *gorm.DB) *EntryRepository {
	return &EntryRepository{db: db}
}

// FindEntry 按唯一三元组查找记录，不存在时返回 nil, nil。
// test_id 为空时按 IS NULL 匹配。
func (r *EntryRepository) FindEntry(ctx context.Context, email, funnelType string, testID *int64) (*models.FunnelEntry, error) {
	q := r.db.WithContext(ctx).
		Where("email = ? AND funnel_type = ?", email, funnelType)
	if testID == nil {
		q = q.Where("test_id IS NULL")
	} else {
		q = q.Where("test_id = ?", *testID)
	}

	var entry models.FunnelEntry
	err := q.Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询漏斗记录失败: %w", err)
	}
	return &entry, nil
}

// CreateEntryWithOutbox 在同一事务中插入漏斗记录和对应的发件箱消息。
// 唯一键冲突时返回 ErrDuplicateEntry，两条记录都不会写入。
func (r *EntryRepository) CreateEntryWithOutbox(ctx context.Context, entry *models.FunnelEntry, msg *models.OutboxMessage) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		msg.FunnelEntryID = entry.ID
		if msg.Status == "" {
			msg.Status = constants.OutboxStatusPending
		}
		return tx.Create(msg).Error
	})
	if err == nil {
		return nil
	}
	if IsDuplicateKey(err) {
		return ErrDuplicateEntry
	}
	return fmt.Errorf("写入漏斗记录与发件箱消息失败: %w", err)
}

// ListUnpurchased 按 id 升序返回 id > afterID 的未购买记录，最多 limit 条。
// 调用方以上一页最后一条的 id 作为游标翻页，直到返回不满一页。
func (r *EntryRepository) ListUnpurchased(ctx context.Context, afterID uint64, limit int) ([]models.FunnelEntry, error) {
	var entries []models.FunnelEntry
	err := r.db.WithContext(ctx).
		Where("certificate_purchased = ? AND id > ?", false, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("查询未购买的漏斗记录失败: %w", err)
	}
	return entries, nil
}

// MarkPurchasedWithOutbox 将记录标记为已购买并写入发件箱消息。
// 条件更新只在 certificate_purchased = 0 时生效；未命中返回 false，
// 表示记录已被其他写入者标记过，此时不会写入消息。
func (r *EntryRepository) MarkPurchasedWithOutbox(ctx context.Context, entryID uint64, purchasedAt time.Time, msg *models.OutboxMessage) (bool, error) {
	updated := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.FunnelEntry{}).
			Where("id = ? AND certificate_purchased = ?", entryID, false).
			Updates(map[string]interface{}{
				"certificate_purchased":    true,
				"certificate_purchased_at": purchasedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		msg.FunnelEntryID = entryID
		if msg.Status == "" {
			msg.Status = constants.OutboxStatusPending
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("标记证书购买失败 (entry=%d): %w", entryID, err)
	}
	return updated, nil
}

// ConversionRow 按漏斗类型聚合的转化数据
type ConversionRow struct {
	FunnelType     string
	TotalEntries   int64
	TotalPurchased int64
}

// ConversionSummary 统计 [from, to) 区间内进入漏斗的记录数与购买数。
// from/to 为 nil 表示不设下界/上界。
func (r *EntryRepository) ConversionSummary(ctx context.Context, from, to *time.Time) ([]ConversionRow, error) {
	q := r.db.WithContext(ctx).
		Model(&models.FunnelEntry{}).
		Select("funnel_type, COUNT(*) AS total_entries, " +
			"COALESCE(SUM(CASE WHEN certificate_purchased = 1 THEN 1 ELSE 0 END), 0) AS total_purchased")
	if from != nil {
		q = q.Where("entered_at >= ?", *from)
	}
	if to != nil {
		q = q.Where("entered_at < ?", *to)
	}

	var rows []ConversionRow
	if err := q.Group("funnel_type").Order("funnel_type").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("统计漏斗转化失败: %w", err)
	}
	return rows, nil
}
