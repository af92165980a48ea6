package constants

import "time"

// 漏斗类型
const (
	FunnelLanguage    = "language"
	FunnelNonLanguage = "non_language"
)

// 发件箱操作类型
const (
	OperationCreateContact  = "create_contact"
	OperationPurchaseUpdate = "purchase_update"
)

// 发件箱消息状态。sent 与 failed 为终态
const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
	OutboxStatusFailed  = "failed"
)

// Brevo 联系人属性名
const (
	AttrFunnelType             = "FUNNEL_TYPE"
	AttrTestID                 = "TEST_ID"
	AttrCertificatePurchased   = "CERTIFICATE_PURCHASED"
	AttrCertificatePurchasedAt = "CERTIFICATE_PURCHASED_AT"
)

const (
	DefaultCandidateLookbackDays = 30
	DefaultBatchLimit            = 100

	// 单次运行锁的默认过期时间，需要大于一次完整运行的耗时
	DefaultRunLockTTL = 15 * time.Minute
)

// ValidFunnelType 判断漏斗类型是否合法
func ValidFunnelType(funnelType string) bool {
	return funnelType == FunnelLanguage || funnelType == FunnelNonLanguage
}
