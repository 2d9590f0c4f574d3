package ledger

import (
	"context"
	"sort"
	"sync"

	"bitbucket.org/gestiodev/gestion_backend/utils"
)

// MemoryLedger is a process-local Ledger used by the dev daemon when no
// remote is configured, and by tests. SetOffline simulates connectivity loss:
// every call fails with a NETWORK-kinded error until restored.
type MemoryLedger struct {
	mu      sync.Mutex
	data    map[string]map[string]Record
	subs    map[string]map[int]ChangeHandler
	nextSub int
	offline bool
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		data: map[string]map[string]Record{},
		subs: map[string]map[int]ChangeHandler{},
	}
}

func (m *MemoryLedger) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

func (m *MemoryLedger) errIfOffline() error {
	if m.offline {
		return utils.Errorf(utils.KindNetwork, "ledger unreachable")
	}
	return nil
}

func (m *MemoryLedger) BulkRead(ctx context.Context, path Path) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errIfOffline(); err != nil {
		return nil, err
	}
	partition := m.data[path.Key()]
	records := make([]Record, 0, len(partition))
	for _, rec := range partition {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UpdatedAt < records[j].UpdatedAt })
	return records, nil
}

func (m *MemoryLedger) Subscribe(ctx context.Context, path Path, fn ChangeHandler) (UnsubscribeFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errIfOffline(); err != nil {
		return nil, err
	}
	key := path.Key()
	if m.subs[key] == nil {
		m.subs[key] = map[int]ChangeHandler{}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[key], id)
			m.mu.Unlock()
		})
	}, nil
}

func (m *MemoryLedger) Write(ctx context.Context, path Path, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.errIfOffline(); err != nil {
		m.mu.Unlock()
		return err
	}
	key := path.Key()
	partition := m.data[key]
	if partition == nil {
		partition = map[string]Record{}
		m.data[key] = partition
	}
	if existing, ok := partition[rec.ID]; ok && existing.UpdatedAt > rec.UpdatedAt {
		// Superseded write: the store already converged past it.
		m.mu.Unlock()
		return nil
	}
	partition[rec.ID] = rec
	handlers := m.snapshotHandlers(key)
	m.mu.Unlock()

	// Fan out synchronously but outside the lock so handlers may read back.
	for _, fn := range handlers {
		fn(rec)
	}
	return nil
}

func (m *MemoryLedger) Remove(ctx context.Context, path Path, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.errIfOffline(); err != nil {
		m.mu.Unlock()
		return err
	}
	key := path.Key()
	var tombstone Record
	if partition := m.data[key]; partition != nil {
		existing, ok := partition[id]
		delete(partition, id)
		tombstone = Record{ID: id, UpdatedAt: existing.UpdatedAt + 1, Deleted: true}
		if !ok {
			tombstone.UpdatedAt = 0
		}
	} else {
		tombstone = Record{ID: id, Deleted: true}
	}
	handlers := m.snapshotHandlers(key)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(tombstone)
	}
	return nil
}

func (m *MemoryLedger) snapshotHandlers(key string) []ChangeHandler {
	handlers := make([]ChangeHandler, 0, len(m.subs[key]))
	ids := make([]int, 0, len(m.subs[key]))
	for id := range m.subs[key] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, m.subs[key][id])
	}
	return handlers
}
