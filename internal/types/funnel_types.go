package types

import (
	"strings"
	"time"
)

// RunMode 表示一次运行是否真正落库和调用外部接口
type RunMode int

const (
	// ModeLive 正常模式：写库并调用 Brevo
	ModeLive RunMode = iota
	// ModeDryRun 演练模式：只做读取和判断，不产生任何副作用
	ModeDryRun
)

// ModeFromDryRun 由配置里的 dry-run 开关得到运行模式
func ModeFromDryRun(dryRun bool) RunMode {
	if dryRun {
		return ModeDryRun
	}
	return ModeLive
}

// IsDryRun 是否为演练模式
func (m RunMode) IsDryRun() bool { return m == ModeDryRun }

func (m RunMode) String() string {
	if m == ModeDryRun {
		return "dry_run"
	}
	return "live"
}

// Candidate 候选记录：某个用户完成了某个测试
type Candidate struct {
	Email      string
	FunnelType string
	TestID     *int64
	UserID     *int64
}

// Purchase 外部支付系统里查到的证书购买记录
type Purchase struct {
	OrderID     int64
	PurchasedAt time.Time
}

// NormalizeEmail 统一邮箱格式，作为唯一键的一部分
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Int64Ptr 返回指针，便于构造可空字段
func Int64Ptr(v int64) *int64 { return &v }
