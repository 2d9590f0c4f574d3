package models

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/gestiodev/gestion_backend/config"
	"bitbucket.org/gestiodev/gestion_backend/utils"
)

func newTestMirror(t *testing.T) *Mirror {
	t.Helper()
	db, err := config.OpenMirrorAt(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m, err := NewMirror(db, logger)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func testCtx() context.Context {
	ctx := utils.SetBusinessIdInContext(context.Background(), "biz-1")
	ctx = utils.SetWorkspaceIdInContext(ctx, "ws-1")
	ctx = utils.SetUserNameInContext(ctx, "Alice")
	return ctx
}

func testClient(id string) *Client {
	return &Client{
		SyncMeta: SyncMeta{
			ID:          id,
			BusinessId:  "biz-1",
			WorkspaceId: "ws-1",
		},
		Name: "Client " + id,
	}
}

func TestSaveLocalCreatesRowAndQueuesPush(t *testing.T) {
	m := newTestMirror(t)
	ctx := testCtx()

	c := testClient("c-1")
	if err := SaveLocal[Client](m, ctx, c, false); err != nil {
		t.Fatalf("save: %v", err)
	}
	if c.UpdatedAt == 0 || c.CreatedAt == 0 {
		t.Fatalf("timestamps not stamped: %+v", c.SyncMeta)
	}
	if c.UpdatedBy != "Alice" {
		t.Fatalf("expected actor stamp, got %q", c.UpdatedBy)
	}

	var ops []PushOperation
	if err := m.DB().Find(&ops).Error; err != nil {
		t.Fatalf("read queue: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 queued push, got %d", len(ops))
	}
	if ops[0].EntityId != "c-1" || ops[0].Status != PushStatusPending {
		t.Fatalf("unexpected queue row: %+v", ops[0])
	}
	if ops[0].EntityUpdatedAt != c.UpdatedAt {
		t.Fatalf("queue carries stale version: %d vs %d", ops[0].EntityUpdatedAt, c.UpdatedAt)
	}
}

func TestSaveLocalCoalescesQueueRows(t *testing.T) {
	m := newTestMirror(t)
	ctx := testCtx()

	c := testClient("c-1")
	if err := SaveLocal[Client](m, ctx, c, false); err != nil {
		t.Fatalf("create: %v", err)
	}
	c.Name = "Renamed"
	if err := SaveLocal[Client](m, ctx, c, true); err != nil {
		t.Fatalf("update: %v", err)
	}

	var count int64
	if err := m.DB().Model(&PushOperation{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected coalesced single queue row, got %d", count)
	}
	var op PushOperation
	if err := m.DB().First(&op).Error; err != nil {
		t.Fatalf("read: %v", err)
	}
	if op.EntityUpdatedAt != c.UpdatedAt {
		t.Fatalf("queue row not refreshed to latest version")
	}
}

func TestSaveLocalPersistsClockMillisTimestamps(t *testing.T) {
	m := newTestMirror(t)
	ctx := testCtx()

	c := testClient("c-1")
	if err := SaveLocal[Client](m, ctx, c, false); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Read back from the store: the persisted stamp must be the Clock's
	// epoch millis, not a wall-clock seconds value written behind its back.
	var stored Client
	if err := m.DB().Where("id = ?", "c-1").First(&stored).Error; err != nil {
		t.Fatalf("read: %v", err)
	}
	if stored.UpdatedAt < 1_000_000_000_000 {
		t.Fatalf("stored updatedAt = %d, not epoch millis", stored.UpdatedAt)
	}
	if stored.UpdatedAt != c.UpdatedAt || stored.CreatedAt != c.CreatedAt {
		t.Fatalf("stored stamps %d/%d diverge from stamped %d/%d",
			stored.CreatedAt, stored.UpdatedAt, c.CreatedAt, c.UpdatedAt)
	}

	// Two writes inside the same wall second must still order.
	first := stored.UpdatedAt
	c.Name = "Renamed"
	if err := SaveLocal[Client](m, ctx, c, true); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := m.DB().Where("id = ?", "c-1").First(&stored).Error; err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if stored.UpdatedAt <= first {
		t.Fatalf("updatedAt did not advance: %d -> %d", first, stored.UpdatedAt)
	}
}

func TestSaveLocalRejectsTenantMove(t *testing.T) {
	m := newTestMirror(t)
	ctx := testCtx()

	c := testClient("c-1")
	if err := SaveLocal[Client](m, ctx, c, false); err != nil {
		t.Fatalf("create: %v", err)
	}

	moved := testClient("c-1")
	moved.WorkspaceId = "ws-other"
	err := SaveLocal[Client](m, ctx, moved, true)
	if utils.Kind(err) != utils.KindInvalid {
		t.Fatalf("expected INVALID for workspace move, got %v", err)
	}
}

func TestSaveLocalUpdateMissingRowIsNotFound(t *testing.T) {
	m := newTestMirror(t)
	err := SaveLocal[Client](m, testCtx(), testClient("ghost"), true)
	if utils.Kind(err) != utils.KindNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestMergeRemoteLastWriterWins(t *testing.T) {
	m := newTestMirror(t)

	older := testClient("c-1")
	older.Name = "Old name"
	older.UpdatedAt = 1000
	newer := testClient("c-1")
	newer.Name = "New name"
	newer.UpdatedAt = 2000

	// Remote newer than local: applies.
	if applied, err := MergeRemote[Client](m, older); err != nil || !applied {
		t.Fatalf("seed merge: applied=%v err=%v", applied, err)
	}
	if applied, err := MergeRemote[Client](m, newer); err != nil || !applied {
		t.Fatalf("newer merge: applied=%v err=%v", applied, err)
	}

	var got Client
	if err := m.DB().Where("id = ?", "c-1").First(&got).Error; err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Name != "New name" {
		t.Fatalf("newer write lost: %q", got.Name)
	}

	// Remote older than local: ignored, regardless of arrival order.
	stale := testClient("c-1")
	stale.Name = "Stale"
	stale.UpdatedAt = 1500
	if applied, err := MergeRemote[Client](m, stale); err != nil || applied {
		t.Fatalf("stale merge should be skipped: applied=%v err=%v", applied, err)
	}
	if err := m.DB().Where("id = ?", "c-1").First(&got).Error; err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Name != "New name" {
		t.Fatalf("stale write clobbered newer state: %q", got.Name)
	}
}

func TestMergeRemoteTieFavorsRemote(t *testing.T) {
	m := newTestMirror(t)

	local := testClient("c-1")
	local.Name = "Local"
	local.UpdatedAt = 1000
	if _, err := MergeRemote[Client](m, local); err != nil {
		t.Fatalf("seed: %v", err)
	}

	remote := testClient("c-1")
	remote.Name = "Remote"
	remote.UpdatedAt = 1000
	applied, err := MergeRemote[Client](m, remote)
	if err != nil || !applied {
		t.Fatalf("tie merge: applied=%v err=%v", applied, err)
	}
	var got Client
	if err := m.DB().Where("id = ?", "c-1").First(&got).Error; err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Name != "Remote" {
		t.Fatalf("tie should favor remote, got %q", got.Name)
	}
}

func TestMergeRemoteIsIdempotent(t *testing.T) {
	m := newTestMirror(t)

	rec := testClient("c-1")
	rec.UpdatedAt = 1000
	for i := 0; i < 3; i++ {
		if _, err := MergeRemote[Client](m, rec); err != nil {
			t.Fatalf("merge %d: %v", i, err)
		}
	}
	var count int64
	if err := m.DB().Model(&Client{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("duplicate merge created rows: %d", count)
	}
}

func TestMutateEntitySerializesRelativeUpdates(t *testing.T) {
	m := newTestMirror(t)
	ctx := testCtx()

	item := &StockItem{
		SyncMeta:        SyncMeta{ID: "s-1", BusinessId: "biz-1", WorkspaceId: "ws-1"},
		Name:            "Cement",
		CurrentQuantity: 0,
	}
	if err := SaveLocal[StockItem](m, ctx, item, false); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := MutateEntity[StockItem](m, ctx, "s-1", func(s *StockItem) error {
				s.CurrentQuantity++
				return nil
			})
			if err != nil {
				t.Errorf("mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	var got StockItem
	if err := m.DB().Where("id = ?", "s-1").First(&got).Error; err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.CurrentQuantity != writers {
		t.Fatalf("lost updates: got %d, want %d", got.CurrentQuantity, writers)
	}
}

func TestGetEntityClampsOverpaidClient(t *testing.T) {
	m := newTestMirror(t)

	broken := testClient("c-1")
	broken.TotalAmount = decimal.NewFromInt(100)
	broken.AmountPaid = decimal.NewFromInt(150)
	broken.UpdatedAt = 1000
	if _, err := MergeRemote[Client](m, broken); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := GetEntity[Client](m, context.Background(), "c-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.AmountPaid.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("amountPaid not clamped: %s", got.AmountPaid)
	}
	if got.RemainingBalance().Sign() != 0 {
		t.Fatalf("remaining balance should be zero, got %s", got.RemainingBalance())
	}
}

func TestListWorkspaceFiltersTombstones(t *testing.T) {
	m := newTestMirror(t)
	ctx := testCtx()

	live := testClient("c-live")
	dead := testClient("c-dead")
	if err := SaveLocal[Client](m, ctx, live, false); err != nil {
		t.Fatalf("save live: %v", err)
	}
	if err := SaveLocal[Client](m, ctx, dead, false); err != nil {
		t.Fatalf("save dead: %v", err)
	}
	err := m.DB().Transaction(func(tx *gorm.DB) error {
		return TombstoneTx(tx, m.Clock(), dead, "Alice")
	})
	if err != nil {
		t.Fatalf("tombstone: %v", err)
	}

	visible, err := ListWorkspace[Client](m, ctx, "ws-1", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != "c-live" {
		t.Fatalf("tombstone leaked into list: %+v", visible)
	}

	all, err := ListWorkspace[Client](m, ctx, "ws-1", true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("trash view should include tombstones, got %d", len(all))
	}
}

func TestSubscribeWorkspaceDeliversChangeEvents(t *testing.T) {
	m := newTestMirror(t)
	ctx, cancel := context.WithCancel(testCtx())
	defer cancel()

	events, err := m.SubscribeWorkspace(ctx, CollectionClients, "ws-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := SaveLocal[Client](m, ctx, testClient("c-1"), false); err != nil {
		t.Fatalf("save: %v", err)
	}

	select {
	case ev := <-events:
		if ev.EntityId != "c-1" || ev.Collection != CollectionClients || ev.Deleted {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change event delivered")
	}
}

func TestClockIsMonotonic(t *testing.T) {
	var c Clock
	prev := int64(0)
	for i := 0; i < 1000; i++ {
		now := c.NowMillis()
		if now <= prev {
			t.Fatalf("clock went backwards: %d after %d", now, prev)
		}
		prev = now
	}
}
