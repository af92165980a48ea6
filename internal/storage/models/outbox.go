package models

import (
	"time"

	"gorm.io/datatypes"
)

// OutboxMessage 对应 brevo_sync_outbox 表中的一条同步意图。
// Payload 在入队时冻结，发送时不再回读漏斗记录。
type OutboxMessage struct {
	ID            uint64         `gorm:"primaryKey;autoIncrement"`
	FunnelEntryID uint64         `gorm:"not null;index:idx_brevo_sync_outbox_entry"`
	OperationType string         `gorm:"type:varchar(32);not null"`
	Payload       datatypes.JSON `gorm:"type:json;not null"`
	Status        string         `gorm:"type:varchar(16);default:'pending';not null;index:idx_brevo_sync_outbox_due,priority:1"`
	RetryCount    int            `gorm:"not null;default:0"`
	LastError     *string        `gorm:"type:text"`
	NextAttemptAt *time.Time     `gorm:"type:datetime(6);null;index:idx_brevo_sync_outbox_due,priority:2"`
	CreatedAt     time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt     time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (OutboxMessage) TableName() string {
	return "brevo_sync_outbox"
}
