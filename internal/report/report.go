// Package report 汇总各漏斗的进入人数、购买人数和转化率。
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"funnel-sync-go/internal/constants"
	"funnel-sync-go/internal/storage"

	"github.com/rs/zerolog"
)

// DateLayout 命令行日期格式
const DateLayout = "2006-01-02"

// ErrInvalidDate 日期参数无法解析或区间无效
var ErrInvalidDate = errors.New("日期参数无效")

// SummaryStore 聚合查询，由 storage.EntryRepository 实现
type SummaryStore interface {
	ConversionSummary(ctx context.Context, from, to *time.Time) ([]storage.ConversionRow, error)
}

var _ SummaryStore = (*storage.EntryRepository)(nil)

// FunnelConversion 单个漏斗的转化数据
type FunnelConversion struct {
	FunnelType     string `json:"funnel_type"`
	TotalEntries   int64  `json:"total_entries"`
	TotalPurchased int64  `json:"total_purchased"`
}

// ConversionRate 转化率（百分比），没有进入记录时为 0
func (f FunnelConversion) ConversionRate() float64 {
	if f.TotalEntries == 0 {
		return 0
	}
	return float64(f.TotalPurchased) / float64(f.TotalEntries) * 100
}

// Service 报表服务
type Service struct {
	store  SummaryStore
	logger zerolog.Logger
}

// NewService 创建报表服务
func NewService(store SummaryStore, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Summary 统计 [from, to) 内进入漏斗的记录，按漏斗类型排序。nil 表示不设边界。
func (s *Service) Summary(ctx context.Context, from, to *time.Time) ([]FunnelConversion, error) {
	if from != nil && to != nil && !from.Before(*to) {
		return nil, fmt.Errorf("%w: 开始时间 %s 不早于结束时间 %s", ErrInvalidDate, from.Format(DateLayout), to.Format(DateLayout))
	}

	rows, err := s.store.ConversionSummary(ctx, from, to)
	if err != nil {
		return nil, err
	}

	out := make([]FunnelConversion, 0, len(rows))
	for _, row := range rows {
		out = append(out, FunnelConversion{
			FunnelType:     row.FunnelType,
			TotalEntries:   row.TotalEntries,
			TotalPurchased: row.TotalPurchased,
		})
	}
	s.logger.Debug().Int("funnels", len(out)).Msg("转化报表统计完成")
	return out, nil
}

// FilterFunnel 只保留指定漏斗；funnelType 为空时原样返回。
// 指定的漏斗没有数据时返回一行零值，便于输出。
func FilterFunnel(rows []FunnelConversion, funnelType string) []FunnelConversion {
	if funnelType == "" {
		return rows
	}
	for _, row := range rows {
		if row.FunnelType == funnelType {
			return []FunnelConversion{row}
		}
	}
	return []FunnelConversion{{FunnelType: funnelType}}
}

// Period 报表区间，[From, To)
type Period struct {
	From *time.Time
	To   *time.Time
}

// ParsePeriod 解析命令行参数。
// fromDate 包含，toDate 不包含，均为当天零点；fromDate 为空且 days > 0 时取 today - days。
func ParsePeriod(fromDate, toDate string, days int, now time.Time, loc *time.Location) (Period, error) {
	if loc == nil {
		loc = time.Local
	}
	var p Period

	if fromDate != "" {
		t, err := time.ParseInLocation(DateLayout, fromDate, loc)
		if err != nil {
			return p, fmt.Errorf("%w: --from-date %q 需要 YYYY-MM-DD 格式", ErrInvalidDate, fromDate)
		}
		p.From = &t
	} else if days > 0 {
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		t := today.AddDate(0, 0, -days)
		p.From = &t
	}

	if toDate != "" {
		t, err := time.ParseInLocation(DateLayout, toDate, loc)
		if err != nil {
			return p, fmt.Errorf("%w: --to-date %q 需要 YYYY-MM-DD 格式", ErrInvalidDate, toDate)
		}
		p.To = &t
	}

	if p.From != nil && p.To != nil && !p.From.Before(*p.To) {
		return p, fmt.Errorf("%w: 开始日期必须早于结束日期", ErrInvalidDate)
	}
	return p, nil
}

// ValidFunnelFilter 校验 --funnel 参数，空值表示全部
func ValidFunnelFilter(funnelType string) bool {
	return funnelType == "" || constants.ValidFunnelType(funnelType)
}
