package funnel

import (
	"encoding/json"
	"time"

	"funnel-sync-go/internal/brevo"
	"funnel-sync-go/internal/constants"
	"funnel-sync-go/internal/storage/models"

	"gorm.io/datatypes"
)

// CreateContactSnapshot 新进入漏斗时发送给 Brevo 的联系人数据
func CreateContactSnapshot(email, funnelType string, testID *int64, listID int64) brevo.Contact {
	return brevo.Contact{
		Email:         email,
		ListIDs:       []int64{listID},
		Attributes:    baseAttributes(funnelType, testID),
		UpdateEnabled: true,
	}
}

// PurchaseUpdateSnapshot 检测到证书购买后的联系人更新，只改属性不改列表
func PurchaseUpdateSnapshot(entry models.FunnelEntry, purchasedAt time.Time) brevo.Contact {
	attrs := baseAttributes(entry.FunnelType, entry.TestID)
	attrs[constants.AttrCertificatePurchased] = 1
	attrs[constants.AttrCertificatePurchasedAt] = purchasedAt.Format(time.RFC3339)
	return brevo.Contact{
		Email:         entry.Email,
		Attributes:    attrs,
		UpdateEnabled: true,
	}
}

func baseAttributes(funnelType string, testID *int64) map[string]interface{} {
	attrs := map[string]interface{}{
		constants.AttrFunnelType: funnelType,
	}
	if testID != nil {
		attrs[constants.AttrTestID] = *testID
	}
	return attrs
}

// newOutboxMessage 冻结快照，生成待发送的发件箱消息。FunnelEntryID 由存储层在事务内填写。
func newOutboxMessage(operation string, contact brevo.Contact) (*models.OutboxMessage, error) {
	payload, err := json.Marshal(contact)
	if err != nil {
		return nil, err
	}
	return &models.OutboxMessage{
		OperationType: operation,
		Payload:       datatypes.JSON(payload),
		Status:        constants.OutboxStatusPending,
	}, nil
}
