package models

import (
	"sync"
	"time"
)

// Collection is the wire/table name of an entity type. The same names key the
// remote ledger paths, the mirror tables and the change bus topics.
type Collection string

const (
	CollectionClients       Collection = "clients"
	CollectionReservations  Collection = "reservations"
	CollectionStockItems    Collection = "stock_items"
	CollectionExpenses      Collection = "expenses"
	CollectionQuickIncomes  Collection = "quick_incomes"
	CollectionInvestments   Collection = "investments"
	CollectionPlanningItems Collection = "planning_items"
	CollectionActivityLogs  Collection = "activity_logs"
)

// SyncCollections is the fixed pull/subscribe order for a workspace sync.
var SyncCollections = []Collection{
	CollectionClients,
	CollectionReservations,
	CollectionStockItems,
	CollectionExpenses,
	CollectionQuickIncomes,
	CollectionInvestments,
	CollectionPlanningItems,
	CollectionActivityLogs,
}

// SyncMeta is embedded in every synced entity. Ids are client-generated
// (uuid), timestamps are epoch millis and monotonic per writer so that
// last-writer-wins merges behave even when two writes land inside one wall
// millisecond. WorkspaceId/BusinessId are immutable after creation.
type SyncMeta struct {
	ID          string `gorm:"primaryKey;size:64" json:"id" validate:"required"`
	WorkspaceId string `gorm:"index;size:64;not null" json:"workspaceId" validate:"required"`
	BusinessId  string `gorm:"index;size:64;not null" json:"businessId" validate:"required"`
	// autoCreateTime/autoUpdateTime are disabled: gorm would otherwise
	// recognize these names and overwrite the Clock's epoch millis with
	// wall-clock seconds on every Save.
	CreatedAt   int64  `gorm:"autoCreateTime:false" json:"createdAt"`
	UpdatedAt   int64  `gorm:"index;autoUpdateTime:false" json:"updatedAt"`
	CreatedBy   string `gorm:"size:100" json:"createdBy"`
	UpdatedBy   string `gorm:"size:100" json:"updatedBy"`
	IsDeleted   bool   `gorm:"index;default:false" json:"isDeleted"`
}

// Entity is implemented (with pointer receivers) by every synced record type.
type Entity interface {
	Meta() *SyncMeta
	Collection() Collection
}

// Clock issues per-writer monotonic epoch millis: a writer never hands out
// the same or a smaller timestamp twice, even if the wall clock stalls or
// steps backwards.
type Clock struct {
	mu   sync.Mutex
	last int64
}

func (c *Clock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= c.last {
		c.last++
		return c.last
	}
	c.last = now
	return now
}

// KeyedLock serializes mutations per entity id. Mutations against different
// ids proceed concurrently; two writers on the same id (e.g. stock quantity
// adjustments) take turns. Lock entries are reference-counted so the map does
// not grow with the id space.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*keyedLockEntry
}

type keyedLockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: map[string]*keyedLockEntry{}}
}

// Lock blocks until the key is held and returns the unlock function.
func (k *KeyedLock) Lock(key string) func() {
	k.mu.Lock()
	entry := k.locks[key]
	if entry == nil {
		entry = &keyedLockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
