package models

import (
	"time"
)

// FunnelEntry 漏斗进入记录，(email, funnel_type, test_id) 唯一。
// MySQL 唯一索引里 NULL 互不相等，因此索引建在生成列 test_id_key = COALESCE(test_id, 0) 上。
type FunnelEntry struct {
	ID                     uint64     `gorm:"primaryKey;autoIncrement"`
	Email                  string     `gorm:"type:varchar(255);not null;uniqueIndex:uk_funnel_entries_identity,priority:1"`
	FunnelType             string     `gorm:"type:varchar(32);not null;uniqueIndex:uk_funnel_entries_identity,priority:2"`
	UserID                 *int64     `gorm:"type:bigint"`
	TestID                 *int64     `gorm:"type:bigint"`
	TestIDKey              int64      `gorm:"->;type:bigint GENERATED ALWAYS AS (COALESCE(test_id, 0)) STORED;uniqueIndex:uk_funnel_entries_identity,priority:3"`
	EnteredAt              time.Time  `gorm:"type:datetime(6);not null;index:idx_funnel_entries_entered_at"`
	CertificatePurchased   bool       `gorm:"not null;default:false;index:idx_funnel_entries_purchased"`
	CertificatePurchasedAt *time.Time `gorm:"type:datetime(6);null"`
}

func (FunnelEntry) TableName() string {
	return "funnel_entries"
}
