package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"funnel-sync-go/internal/constants"
	"funnel-sync-go/internal/storage"
	"funnel-sync-go/internal/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var purchasedAt = time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)

func TestReconcile_MarksPurchaseAndEnqueuesUpdate(t *testing.T) {
	store := newMemoryStore()
	entry := store.seed(newEntry("buyer@example.com", constants.FunnelLanguage, 5))
	store.seed(newEntry("browser@example.com", constants.FunnelLanguage, 5))
	purchases := &fakePurchases{byEmail: map[string]*types.Purchase{
		"buyer@example.com": {OrderID: 900, PurchasedAt: purchasedAt},
	}}

	summary, err := NewReconciler(store, purchases, zerolog.Nop()).Reconcile(context.Background(), types.ModeLive, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 1, summary.Marked)
	assert.Equal(t, 1, summary.NoPurchase)

	stored := store.entries[entry.ID]
	assert.True(t, stored.CertificatePurchased)
	require.NotNil(t, stored.CertificatePurchasedAt)
	assert.Equal(t, purchasedAt, *stored.CertificatePurchasedAt)

	msgs := store.messagesFor(entry.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, constants.OperationPurchaseUpdate, msgs[0].OperationType)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	_, hasLists := payload["list_ids"]
	assert.False(t, hasLists, "购买更新不修改列表")
	attrs := payload["attributes"].(map[string]interface{})
	assert.Equal(t, float64(1), attrs["CERTIFICATE_PURCHASED"])
	assert.Equal(t, "2026-02-14T09:30:00Z", attrs["CERTIFICATE_PURCHASED_AT"])
	assert.Equal(t, "language", attrs["FUNNEL_TYPE"])
	assert.Equal(t, float64(5), attrs["TEST_ID"])
}

func TestReconcile_SecondRunFindsNothing(t *testing.T) {
	store := newMemoryStore()
	store.seed(newEntry("buyer@example.com", constants.FunnelLanguage, 5))
	purchases := &fakePurchases{byEmail: map[string]*types.Purchase{
		"buyer@example.com": {OrderID: 900, PurchasedAt: purchasedAt},
	}}
	r := NewReconciler(store, purchases, zerolog.Nop())

	_, err := r.Reconcile(context.Background(), types.ModeLive, 10)
	require.NoError(t, err)

	summary, err := r.Reconcile(context.Background(), types.ModeLive, 10)
	require.NoError(t, err)
	assert.Zero(t, summary.Scanned, "已购买的记录不会再被选中")
	assert.Len(t, store.outbox, 1)
}

func TestReconcile_LostRaceIsNotAnError(t *testing.T) {
	store := newMemoryStore()
	store.seed(newEntry("buyer@example.com", constants.FunnelLanguage, 5))
	store.raceOnMark = true
	purchases := &fakePurchases{byEmail: map[string]*types.Purchase{
		"buyer@example.com": {OrderID: 900, PurchasedAt: purchasedAt},
	}}

	summary, err := NewReconciler(store, purchases, zerolog.Nop()).Reconcile(context.Background(), types.ModeLive, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AlreadyPurchased)
	assert.Zero(t, summary.Marked)
	assert.Empty(t, store.outbox)
}

func TestReconcile_DryRunWritesNothing(t *testing.T) {
	store := newMemoryStore()
	entry := store.seed(newEntry("buyer@example.com", constants.FunnelNonLanguage, 8))
	purchases := &fakePurchases{byEmail: map[string]*types.Purchase{
		"buyer@example.com": {OrderID: 901, PurchasedAt: purchasedAt},
	}}

	summary, err := NewReconciler(store, purchases, zerolog.Nop()).Reconcile(context.Background(), types.ModeDryRun, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.WouldMark)
	require.Len(t, summary.WouldMarkMatches, 1)
	assert.Equal(t, int64(901), summary.WouldMarkMatches[0].OrderID)
	assert.Equal(t, entry.ID, summary.WouldMarkMatches[0].EntryID)

	assert.False(t, store.entries[entry.ID].CertificatePurchased)
	assert.Zero(t, store.writes)
}

func TestReconcile_PagesPastOldNonBuyers(t *testing.T) {
	store := newMemoryStore()
	store.seed(newEntry("old-1@example.com", constants.FunnelLanguage, 1))
	store.seed(newEntry("old-2@example.com", constants.FunnelLanguage, 1))
	buyer := newEntry("new-buyer@example.com", constants.FunnelLanguage, 1)
	buyer.EnteredAt = buyer.EnteredAt.Add(24 * time.Hour)
	stored := store.seed(buyer)
	purchases := &fakePurchases{byEmail: map[string]*types.Purchase{
		"new-buyer@example.com": {OrderID: 77, PurchasedAt: purchasedAt},
	}}

	// 每页只有 2 条，未购买的旧记录占满第一页
	summary, err := NewReconciler(store, purchases, zerolog.Nop()).Reconcile(context.Background(), types.ModeLive, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 2, summary.NoPurchase)
	assert.Equal(t, 1, summary.Marked)
	assert.Equal(t, 2, store.pages)

	assert.True(t, store.entries[stored.ID].CertificatePurchased)
	require.Len(t, store.messagesFor(stored.ID), 1)
}

func TestReconcile_ExactPageBoundary(t *testing.T) {
	store := newMemoryStore()
	store.seed(newEntry("a@example.com", constants.FunnelLanguage, 1))
	store.seed(newEntry("b@example.com", constants.FunnelLanguage, 1))
	purchases := &fakePurchases{}

	summary, err := NewReconciler(store, purchases, zerolog.Nop()).Reconcile(context.Background(), types.ModeLive, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 2, purchases.calls)
	// 满页之后再取一页空结果才结束
	assert.Equal(t, 2, store.pages)
}

func TestReconcile_RowErrorContinues(t *testing.T) {
	store := newMemoryStore()
	store.seed(newEntry("broken@example.com", constants.FunnelLanguage, 1))
	store.seed(newEntry("buyer@example.com", constants.FunnelLanguage, 2))
	purchases := &fakePurchases{
		byEmail: map[string]*types.Purchase{"buyer@example.com": {OrderID: 1, PurchasedAt: purchasedAt}},
		errFor:  map[string]error{"broken@example.com": errors.New("unknown column")},
	}

	summary, err := NewReconciler(store, purchases, zerolog.Nop()).Reconcile(context.Background(), types.ModeLive, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1, summary.Marked)
}

func TestReconcile_StoreUnavailableAborts(t *testing.T) {
	store := newMemoryStore()
	store.seed(newEntry("buyer@example.com", constants.FunnelLanguage, 2))
	store.markErr = fmt.Errorf("%w: broken pipe", storage.ErrStoreUnavailable)
	purchases := &fakePurchases{byEmail: map[string]*types.Purchase{
		"buyer@example.com": {OrderID: 1, PurchasedAt: purchasedAt},
	}}

	_, err := NewReconciler(store, purchases, zerolog.Nop()).Reconcile(context.Background(), types.ModeLive, 10)
	require.Error(t, err)
	assert.True(t, storage.IsUnavailable(err))
	assert.ErrorIs(t, err, ErrPersistFailed)
}

func TestReconcile_ListFailureIsReturned(t *testing.T) {
	store := newMemoryStore()
	store.listErr = errors.New("table missing")

	_, err := NewReconciler(store, &fakePurchases{}, zerolog.Nop()).Reconcile(context.Background(), types.ModeLive, 10)
	assert.Error(t, err)
}
