package funnel

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCandidate = errors.New("候选人数据无效")
	ErrLookupFailed     = errors.New("查询漏斗记录失败")
	ErrPersistFailed    = errors.New("写入漏斗记录失败")
	ErrSnapshotFailed   = errors.New("生成联系人快照失败")
	ErrPurchaseLookup   = errors.New("查询证书购买记录失败")
)

// TrackError 带有候选人上下文的错误。
// BaseErr 是上面的分类错误，Err 是底层原因（可能为 nil）。
type TrackError struct {
	Email      string
	FunnelType string
	Op         string
	BaseErr    error
	Err        error
}

func (e *TrackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (操作:%s, 漏斗:%s, 邮箱:%s): %v", e.BaseErr, e.Op, e.FunnelType, e.Email, e.Err)
	}
	return fmt.Sprintf("%s (操作:%s, 漏斗:%s, 邮箱:%s)", e.BaseErr, e.Op, e.FunnelType, e.Email)
}

// Unwrap 暴露底层原因，上层据此判断存储是否不可达
func (e *TrackError) Unwrap() error {
	return e.Err
}

// Is 实现 errors.Is 接口以支持按分类比较
func (e *TrackError) Is(target error) bool {
	return errors.Is(e.BaseErr, target)
}

func newLookupError(email, funnelType string, err error) error {
	return &TrackError{Email: email, FunnelType: funnelType, Op: "lookup", BaseErr: ErrLookupFailed, Err: err}
}

func newPersistError(email, funnelType string, err error) error {
	return &TrackError{Email: email, FunnelType: funnelType, Op: "persist", BaseErr: ErrPersistFailed, Err: err}
}

func newSnapshotError(email, funnelType string, err error) error {
	return &TrackError{Email: email, FunnelType: funnelType, Op: "snapshot", BaseErr: ErrSnapshotFailed, Err: err}
}

func newPurchaseLookupError(email, funnelType string, err error) error {
	return &TrackError{Email: email, FunnelType: funnelType, Op: "purchase_lookup", BaseErr: ErrPurchaseLookup, Err: err}
}
