package funnel

import (
	"context"
	"time"

	"funnel-sync-go/internal/brevo"
	"funnel-sync-go/internal/constants"
	"funnel-sync-go/internal/metrics"
	"funnel-sync-go/internal/storage"
	"funnel-sync-go/internal/storage/models"
	"funnel-sync-go/internal/tracing"
	"funnel-sync-go/internal/types"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PurchaseSource 外部支付系统的只读查询，找不到购买记录时返回 nil, nil
type PurchaseSource interface {
	FindPurchase(ctx context.Context, entry models.FunnelEntry) (*types.Purchase, error)
}

var _ PurchaseSource = (*storage.CertificatePurchaseSource)(nil)

// PurchaseMatch 对账命中的一条记录
type PurchaseMatch struct {
	EntryID     uint64
	Email       string
	FunnelType  string
	OrderID     int64
	PurchasedAt time.Time
	Payload     brevo.Contact
}

// ReconcileSummary 一次对账的统计
type ReconcileSummary struct {
	Scanned          int
	Marked           int
	AlreadyPurchased int
	WouldMark        int
	NoPurchase       int
	Errors           int
	// 仅演练模式下记录
	WouldMarkMatches []PurchaseMatch
}

// Reconciler 把外部支付系统里的证书购买同步到漏斗记录，并入队 purchase_update 消息。
// 只会把 certificate_purchased 从 0 改为 1，没有任何反向写入。
type Reconciler struct {
	entries   EntryStore
	purchases PurchaseSource
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewReconciler 创建 Reconciler
func NewReconciler(entries EntryStore, purchases PurchaseSource, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		entries:   entries,
		purchases: purchases,
		logger:    logger,
		tracer:    otel.Tracer("funnel-sync-go/funnel"),
	}
}

// Reconcile 按 id 游标分页扫描全部未购买记录并检查是否已购买，pageSize 为每页条数。
// 读取未购买列表失败或存储不可达时返回错误；单行查询失败计数后继续。
func (r *Reconciler) Reconcile(ctx context.Context, mode types.RunMode, pageSize int) (ReconcileSummary, error) {
	var summary ReconcileSummary
	if pageSize <= 0 {
		pageSize = constants.DefaultBatchLimit
	}

	ctx, span := r.tracer.Start(ctx, "funnel.Reconcile", trace.WithAttributes(
		attribute.String("run.mode", mode.String()),
		attribute.Int("reconcile.page_size", pageSize),
	))
	defer span.End()

	var cursor uint64
	for {
		entries, err := r.entries.ListUnpurchased(ctx, cursor, pageSize)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeDB)
			return summary, err
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			if err := r.reconcileOne(ctx, entry, mode, &summary); err != nil {
				tracing.RecordError(span, err, tracing.ErrorTypeDB)
				return summary, err
			}
		}

		if len(entries) < pageSize {
			break
		}
		cursor = entries[len(entries)-1].ID
	}

	span.SetAttributes(attribute.Int("reconcile.scanned", summary.Scanned))
	return summary, nil
}

// reconcileOne 处理一条记录并累加统计，只有存储不可达时返回错误
func (r *Reconciler) reconcileOne(ctx context.Context, entry models.FunnelEntry, mode types.RunMode, summary *ReconcileSummary) error {
	summary.Scanned++

	outcome, match, err := r.reconcileEntry(ctx, entry, mode)
	if err != nil {
		if storage.IsUnavailable(err) {
			return err
		}
		summary.Errors++
		metrics.ReconciledEntries.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).
			Uint64("entry_id", entry.ID).
			Str("email", tracing.MaskEmail(entry.Email)).
			Msg("购买对账失败")
		return nil
	}

	metrics.ReconciledEntries.WithLabelValues(outcome).Inc()
	switch outcome {
	case "marked":
		summary.Marked++
		r.logger.Info().
			Uint64("entry_id", entry.ID).
			Str("email", tracing.MaskEmail(entry.Email)).
			Int64("order_id", match.OrderID).
			Msg("检测到证书购买，已入队更新")
	case "already_purchased":
		summary.AlreadyPurchased++
	case "would_mark":
		summary.WouldMark++
		summary.WouldMarkMatches = append(summary.WouldMarkMatches, match)
		r.logger.Info().
			Uint64("entry_id", entry.ID).
			Str("email", tracing.MaskEmail(entry.Email)).
			Int64("order_id", match.OrderID).
			Msg("演练模式: 将标记证书购买")
	case "no_purchase":
		summary.NoPurchase++
	}
	return nil
}

func (r *Reconciler) reconcileEntry(ctx context.Context, entry models.FunnelEntry, mode types.RunMode) (string, PurchaseMatch, error) {
	purchase, err := r.purchases.FindPurchase(ctx, entry)
	if err != nil {
		return "", PurchaseMatch{}, newPurchaseLookupError(entry.Email, entry.FunnelType, err)
	}
	if purchase == nil {
		return "no_purchase", PurchaseMatch{}, nil
	}

	match := PurchaseMatch{
		EntryID:     entry.ID,
		Email:       entry.Email,
		FunnelType:  entry.FunnelType,
		OrderID:     purchase.OrderID,
		PurchasedAt: purchase.PurchasedAt,
		Payload:     PurchaseUpdateSnapshot(entry, purchase.PurchasedAt),
	}
	if mode.IsDryRun() {
		return "would_mark", match, nil
	}

	msg, err := newOutboxMessage(constants.OperationPurchaseUpdate, match.Payload)
	if err != nil {
		return "", match, newSnapshotError(entry.Email, entry.FunnelType, err)
	}
	updated, err := r.entries.MarkPurchasedWithOutbox(ctx, entry.ID, purchase.PurchasedAt, msg)
	if err != nil {
		return "", match, newPersistError(entry.Email, entry.FunnelType, err)
	}
	if !updated {
		return "already_purchased", match, nil
	}
	return "marked", match, nil
}
