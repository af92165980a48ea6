package storage

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"funnel-sync-go/internal/config"
	"funnel-sync-go/internal/constants"
	"funnel-sync-go/internal/storage/models"
	"funnel-sync-go/internal/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

// setupMySQL 连接测试库并迁移表结构，MySQL 不可达时跳过测试。
// 连接参数来自 TEST_DB_HOST / TEST_DB_PORT / TEST_DB_USER / TEST_DB_PASSWORD / TEST_DB_NAME。
func setupMySQL(t *testing.T) *MySQL {
	t.Helper()

	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("未设置 TEST_DB_HOST，跳过MySQL集成测试")
	}
	port, _ := strconv.Atoi(os.Getenv("TEST_DB_PORT"))
	if port == 0 {
		port = 3306
	}
	cfg := &config.MySQLConfig{
		Host:                  host,
		Port:                  port,
		Username:              os.Getenv("TEST_DB_USER"),
		Password:              os.Getenv("TEST_DB_PASSWORD"),
		Database:              os.Getenv("TEST_DB_NAME"),
		MaxIdleConns:          2,
		MaxOpenConns:          5,
		ConnectTimeoutSeconds: 3,
		ReadTimeoutSeconds:    5,
		WriteTimeoutSeconds:   5,
		LogLevel:              1,
		AutoMigrate:           true,
	}

	m, err := NewMySQL(cfg)
	if err != nil {
		t.Skipf("MySQL不可达，跳过集成测试: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func uniqueEmail() string {
	return fmt.Sprintf("it-%s@example.com", uuid.NewString())
}

func cleanupEmail(t *testing.T, m *MySQL, email string) {
	t.Cleanup(func() {
		db := m.DB()
		db.Exec("DELETE o FROM brevo_sync_outbox o JOIN funnel_entries f ON f.id = o.funnel_entry_id WHERE f.email = ?", email)
		db.Exec("DELETE FROM funnel_entries WHERE email = ?", email)
	})
}

func newPendingMessage(op string) *models.OutboxMessage {
	return &models.OutboxMessage{
		OperationType: op,
		Payload:       datatypes.JSON(`{"email":"x@example.com","update_enabled":true}`),
	}
}

func TestEntryRepository_CreateIsIdempotent(t *testing.T) {
	m := setupMySQL(t)
	repo := NewEntryRepository(m.DB())
	ctx := context.Background()
	email := uniqueEmail()
	cleanupEmail(t, m, email)

	entry := &models.FunnelEntry{
		Email:      email,
		FunnelType: constants.FunnelLanguage,
		TestID:     types.Int64Ptr(7),
		EnteredAt:  time.Now(),
	}
	require.NoError(t, repo.CreateEntryWithOutbox(ctx, entry, newPendingMessage(constants.OperationCreateContact)))
	require.NotZero(t, entry.ID)

	dup := &models.FunnelEntry{
		Email:      email,
		FunnelType: constants.FunnelLanguage,
		TestID:     types.Int64Ptr(7),
		EnteredAt:  time.Now(),
	}
	err := repo.CreateEntryWithOutbox(ctx, dup, newPendingMessage(constants.OperationCreateContact))
	assert.ErrorIs(t, err, ErrDuplicateEntry)

	found, err := repo.FindEntry(ctx, email, constants.FunnelLanguage, types.Int64Ptr(7))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, entry.ID, found.ID)

	// 重复插入回滚后只有一条发件箱消息
	var count int64
	require.NoError(t, m.DB().Model(&models.OutboxMessage{}).Where("funnel_entry_id = ?", entry.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestEntryRepository_MarkPurchasedOnlyOnce(t *testing.T) {
	m := setupMySQL(t)
	repo := NewEntryRepository(m.DB())
	ctx := context.Background()
	email := uniqueEmail()
	cleanupEmail(t, m, email)

	entry := &models.FunnelEntry{Email: email, FunnelType: constants.FunnelLanguage, TestID: types.Int64Ptr(3), EnteredAt: time.Now()}
	require.NoError(t, repo.CreateEntryWithOutbox(ctx, entry, newPendingMessage(constants.OperationCreateContact)))

	purchasedAt := time.Now().Truncate(time.Second)
	ok, err := repo.MarkPurchasedWithOutbox(ctx, entry.ID, purchasedAt, newPendingMessage(constants.OperationPurchaseUpdate))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkPurchasedWithOutbox(ctx, entry.ID, purchasedAt, newPendingMessage(constants.OperationPurchaseUpdate))
	require.NoError(t, err)
	assert.False(t, ok, "第二次标记应当未命中")

	var count int64
	require.NoError(t, m.DB().Model(&models.OutboxMessage{}).
		Where("funnel_entry_id = ? AND operation_type = ?", entry.ID, constants.OperationPurchaseUpdate).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)

	found, err := repo.FindEntry(ctx, email, constants.FunnelLanguage, types.Int64Ptr(3))
	require.NoError(t, err)
	assert.True(t, found.CertificatePurchased)
	require.NotNil(t, found.CertificatePurchasedAt)
}

func TestOutboxRepository_TransitionsAreConditional(t *testing.T) {
	m := setupMySQL(t)
	entries := NewEntryRepository(m.DB())
	outbox := NewOutboxRepository(m.DB())
	ctx := context.Background()
	email := uniqueEmail()
	cleanupEmail(t, m, email)

	msg := newPendingMessage(constants.OperationCreateContact)
	entry := &models.FunnelEntry{Email: email, FunnelType: constants.FunnelLanguage, TestID: types.Int64Ptr(1), EnteredAt: time.Now()}
	require.NoError(t, entries.CreateEntryWithOutbox(ctx, entry, msg))

	now := time.Now()
	ok, err := outbox.ScheduleRetry(ctx, msg.ID, 0, 1, now.Add(time.Minute), "503", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// 过期的 retry_count 不能再次推进
	ok, err = outbox.ScheduleRetry(ctx, msg.ID, 0, 1, now.Add(time.Minute), "503", now)
	require.NoError(t, err)
	assert.False(t, ok)

	// 未到期的消息不会被取出
	due, err := outbox.FetchDue(ctx, now, 1000)
	require.NoError(t, err)
	for _, d := range due {
		assert.NotEqual(t, msg.ID, d.ID)
	}

	ok, err = outbox.MarkSent(ctx, msg.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = outbox.MarkFailed(ctx, msg.ID, 1, 1, "late", now)
	require.NoError(t, err)
	assert.False(t, ok, "sent 是终态")
}

func TestEntryRepository_ConversionSummaryWindow(t *testing.T) {
	m := setupMySQL(t)
	repo := NewEntryRepository(m.DB())
	ctx := context.Background()
	email := uniqueEmail()
	cleanupEmail(t, m, email)

	enteredAt := time.Date(2031, 5, 10, 12, 0, 0, 0, time.Local)
	entry := &models.FunnelEntry{Email: email, FunnelType: constants.FunnelNonLanguage, TestID: types.Int64Ptr(99), EnteredAt: enteredAt}
	require.NoError(t, repo.CreateEntryWithOutbox(ctx, entry, newPendingMessage(constants.OperationCreateContact)))

	from := time.Date(2031, 5, 10, 0, 0, 0, 0, time.Local)
	to := time.Date(2031, 5, 11, 0, 0, 0, 0, time.Local)
	rows, err := repo.ConversionSummary(ctx, &from, &to)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, constants.FunnelNonLanguage, rows[0].FunnelType)
	assert.Equal(t, int64(1), rows[0].TotalEntries)

	later := time.Date(2031, 5, 11, 0, 0, 0, 0, time.Local)
	rows, err = repo.ConversionSummary(ctx, &later, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEntryRepository_ListUnpurchasedCursor(t *testing.T) {
	m := setupMySQL(t)
	repo := NewEntryRepository(m.DB())
	ctx := context.Background()
	email := uniqueEmail()
	cleanupEmail(t, m, email)

	first := &models.FunnelEntry{Email: email, FunnelType: constants.FunnelLanguage, TestID: types.Int64Ptr(11), EnteredAt: time.Now()}
	require.NoError(t, repo.CreateEntryWithOutbox(ctx, first, newPendingMessage(constants.OperationCreateContact)))
	second := &models.FunnelEntry{Email: email, FunnelType: constants.FunnelLanguage, TestID: types.Int64Ptr(12), EnteredAt: time.Now()}
	require.NoError(t, repo.CreateEntryWithOutbox(ctx, second, newPendingMessage(constants.OperationCreateContact)))

	page, err := repo.ListUnpurchased(ctx, first.ID, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, second.ID, page[0].ID, "游标之后的第一条")
}

func TestEntryRepository_NullTestIDIsUnique(t *testing.T) {
	m := setupMySQL(t)
	repo := NewEntryRepository(m.DB())
	ctx := context.Background()
	email := uniqueEmail()
	cleanupEmail(t, m, email)

	first := &models.FunnelEntry{Email: email, FunnelType: constants.FunnelNonLanguage, EnteredAt: time.Now()}
	require.NoError(t, repo.CreateEntryWithOutbox(ctx, first, newPendingMessage(constants.OperationCreateContact)))

	// 跳过 FindEntry 直接插入，模拟两个并发运行
	dup := &models.FunnelEntry{Email: email, FunnelType: constants.FunnelNonLanguage, EnteredAt: time.Now()}
	err := repo.CreateEntryWithOutbox(ctx, dup, newPendingMessage(constants.OperationCreateContact))
	assert.ErrorIs(t, err, ErrDuplicateEntry)

	found, err := repo.FindEntry(ctx, email, constants.FunnelNonLanguage, nil)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)
	assert.Nil(t, found.TestID)
}
