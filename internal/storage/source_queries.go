package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"funnel-sync-go/internal/constants"
	"funnel-sync-go/internal/storage/models"
	"funnel-sync-go/internal/types"

	"gorm.io/gorm"
)

// 以下查询读取测试站与证书站的业务表，这些表不归本服务管理，只读。

const languageCandidatesSQL = `
SELECT
    u.Id     AS user_id,
    u.Email  AS email,
    u.TestId AS test_id
FROM simpletest_users AS u
INNER JOIN simpletest_test AS t ON t.Id = u.TestId
INNER JOIN simpletest_lang AS l ON l.Id = t.LangId
LEFT JOIN funnel_entries AS f
    ON f.email = LOWER(TRIM(u.Email))
   AND f.funnel_type = ?
   AND f.test_id = u.TestId
WHERE
    u.Email IS NOT NULL
    AND u.Email <> ''
    AND u.Datep >= DATE_SUB(NOW(), INTERVAL ? DAY)
    AND f.id IS NULL
ORDER BY u.Datep DESC
LIMIT ?`

const certificatePurchaseSQL = `
SELECT
    p.id               AS order_id,
    p.datetime_payment AS purchased_at
FROM modx_cert_payment AS p
INNER JOIN modx_cert_result AS r ON r.id = p.id_result
INNER JOIN modx_cert_users  AS u ON u.id = r.id_user
INNER JOIN modx_cert_test   AS t ON t.id = r.id_test
WHERE
    u.email = ?
    AND p.id_status = 2
    AND p.datetime_payment IS NOT NULL
    AND t.type = ?
ORDER BY p.datetime_payment ASC
LIMIT 1`

// 证书站里测试类型的取值
const (
	certTestTypeLanguage    = 1
	certTestTypeNonLanguage = 2
)

// CandidateSelector 从测试站业务表中挑选进入漏斗的候选人
type CandidateSelector struct {
	db *gorm.DB
}

// NewCandidateSelector 创建候选人查询器
func NewCandidateSelector(db *gorm.DB) *CandidateSelector {
	return &CandidateSelector{db: db}
}

type candidateRow struct {
	UserID *int64
	Email  string
	TestID *int64
}

// LanguageCandidates 近 lookbackDays 天完成语言测试、尚未进入语言漏斗的用户，最新的优先
func (s *CandidateSelector) LanguageCandidates(ctx context.Context, lookbackDays, limit int) ([]types.Candidate, error) {
	var rows []candidateRow
	err := s.db.WithContext(ctx).
		Raw(languageCandidatesSQL, constants.FunnelLanguage, lookbackDays, limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询语言测试候选人失败: %w", err)
	}

	candidates := make([]types.Candidate, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, types.Candidate{
			Email:      row.Email,
			FunnelType: constants.FunnelLanguage,
			UserID:     row.UserID,
			TestID:     row.TestID,
		})
	}
	return candidates, nil
}

// NonLanguageCandidates 非语言测试的数据源尚未接入，始终返回空
func (s *CandidateSelector) NonLanguageCandidates(ctx context.Context, lookbackDays, limit int) ([]types.Candidate, error) {
	return nil, nil
}

// Candidates 合并两类漏斗的候选人
func (s *CandidateSelector) Candidates(ctx context.Context, lookbackDays, limit int) ([]types.Candidate, error) {
	language, err := s.LanguageCandidates(ctx, lookbackDays, limit)
	if err != nil {
		return nil, err
	}
	nonLanguage, err := s.NonLanguageCandidates(ctx, lookbackDays, limit)
	if err != nil {
		return nil, err
	}
	return append(language, nonLanguage...), nil
}

// CertificatePurchaseSource 在证书站支付表中查找已支付的证书订单
type CertificatePurchaseSource struct {
	db *gorm.DB
}

// NewCertificatePurchaseSource 创建购买记录查询器
func NewCertificatePurchaseSource(db *gorm.DB) *CertificatePurchaseSource {
	return &CertificatePurchaseSource{db: db}
}

type purchaseRow struct {
	OrderID     int64
	PurchasedAt *time.Time
}

// FindPurchase 按邮箱和漏斗对应的测试类型查找最早一笔已支付订单，没有时返回 nil, nil
func (s *CertificatePurchaseSource) FindPurchase(ctx context.Context, entry models.FunnelEntry) (*types.Purchase, error) {
	testType := certTestTypeLanguage
	switch entry.FunnelType {
	case constants.FunnelLanguage:
	case constants.FunnelNonLanguage:
		testType = certTestTypeNonLanguage
	default:
		return nil, fmt.Errorf("未知的漏斗类型: %q", entry.FunnelType)
	}

	var row purchaseRow
	res := s.db.WithContext(ctx).Raw(certificatePurchaseSQL, entry.Email, testType).Scan(&row)
	if res.Error != nil && !errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询证书支付记录失败: %w", res.Error)
	}
	if res.RowsAffected == 0 || row.PurchasedAt == nil {
		return nil, nil
	}
	return &types.Purchase{OrderID: row.OrderID, PurchasedAt: *row.PurchasedAt}, nil
}
