package funnel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"funnel-sync-go/internal/storage"
	"funnel-sync-go/internal/storage/models"
	"funnel-sync-go/internal/types"
)

// memoryStore 内存版的漏斗记录与发件箱，行为与 EntryRepository 一致
type memoryStore struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*models.FunnelEntry
	outbox  []models.OutboxMessage

	findErr   error
	createErr error
	listErr   error
	markErr   error

	// 在 CreateEntryWithOutbox 之前插入一条同键记录，模拟并发写入者
	raceOnCreate bool
	// 在 MarkPurchasedWithOutbox 之前把记录标记为已购买，模拟并发写入者
	raceOnMark bool

	writes int
	// ListUnpurchased 被调用的次数
	pages int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[uint64]*models.FunnelEntry)}
}

func identity(email, funnelType string, testID *int64) string {
	if testID == nil {
		return fmt.Sprintf("%s|%s|null", email, funnelType)
	}
	return fmt.Sprintf("%s|%s|%d", email, funnelType, *testID)
}

func (m *memoryStore) seed(entry models.FunnelEntry) *models.FunnelEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	m.entries[entry.ID] = &entry
	return &entry
}

func (m *memoryStore) findLocked(email, funnelType string, testID *int64) *models.FunnelEntry {
	key := identity(email, funnelType, testID)
	for _, e := range m.entries {
		if identity(e.Email, e.FunnelType, e.TestID) == key {
			return e
		}
	}
	return nil
}

func (m *memoryStore) FindEntry(ctx context.Context, email, funnelType string, testID *int64) (*models.FunnelEntry, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.findLocked(email, funnelType, testID); e != nil {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (m *memoryStore) CreateEntryWithOutbox(ctx context.Context, entry *models.FunnelEntry, msg *models.OutboxMessage) error {
	if m.createErr != nil {
		return m.createErr
	}
	if m.raceOnCreate {
		m.seed(models.FunnelEntry{Email: entry.Email, FunnelType: entry.FunnelType, TestID: entry.TestID, EnteredAt: entry.EnteredAt})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findLocked(entry.Email, entry.FunnelType, entry.TestID) != nil {
		return storage.ErrDuplicateEntry
	}
	m.nextID++
	entry.ID = m.nextID
	cp := *entry
	m.entries[entry.ID] = &cp

	msg.ID = uint64(len(m.outbox) + 1)
	msg.FunnelEntryID = entry.ID
	m.outbox = append(m.outbox, *msg)
	m.writes++
	return nil
}

func (m *memoryStore) ListUnpurchased(ctx context.Context, afterID uint64, limit int) ([]models.FunnelEntry, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages++
	var out []models.FunnelEntry
	for _, e := range m.entries {
		if !e.CertificatePurchased && e.ID > afterID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) MarkPurchasedWithOutbox(ctx context.Context, entryID uint64, purchasedAt time.Time, msg *models.OutboxMessage) (bool, error) {
	if m.markErr != nil {
		return false, m.markErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok {
		return false, nil
	}
	if m.raceOnMark {
		e.CertificatePurchased = true
	}
	if e.CertificatePurchased {
		return false, nil
	}
	e.CertificatePurchased = true
	at := purchasedAt
	e.CertificatePurchasedAt = &at

	msg.ID = uint64(len(m.outbox) + 1)
	msg.FunnelEntryID = entryID
	m.outbox = append(m.outbox, *msg)
	m.writes++
	return true, nil
}

func (m *memoryStore) messagesFor(entryID uint64) []models.OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OutboxMessage
	for _, msg := range m.outbox {
		if msg.FunnelEntryID == entryID {
			out = append(out, msg)
		}
	}
	return out
}

// fakePurchases 按邮箱返回购买记录
type fakePurchases struct {
	byEmail map[string]*types.Purchase
	errFor  map[string]error
	calls   int
}

func (f *fakePurchases) FindPurchase(ctx context.Context, entry models.FunnelEntry) (*types.Purchase, error) {
	f.calls++
	if err, ok := f.errFor[entry.Email]; ok {
		return nil, err
	}
	return f.byEmail[entry.Email], nil
}

func staticLists(language, nonLanguage int64) ListResolver {
	return func(funnelType string) int64 {
		switch funnelType {
		case "language":
			return language
		case "non_language":
			return nonLanguage
		}
		return 0
	}
}

// newEntry 构造一条未购买的漏斗记录
func newEntry(email, funnelType string, testID int64) models.FunnelEntry {
	return models.FunnelEntry{
		Email:      email,
		FunnelType: funnelType,
		TestID:     types.Int64Ptr(testID),
		EnteredAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}
