package mirrorsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/gestiodev/gestion_backend/ledger"
	"bitbucket.org/gestiodev/gestion_backend/models"
	"bitbucket.org/gestiodev/gestion_backend/utils"
)

func remoteClients(t *testing.T, lg ledger.Ledger) map[string]models.Client {
	t.Helper()
	records, err := lg.BulkRead(context.Background(), ledger.EntityPath("biz-1", "ws-1", string(models.CollectionClients)))
	if err != nil {
		t.Fatalf("bulk read: %v", err)
	}
	out := map[string]models.Client{}
	for _, rec := range records {
		var c models.Client
		if err := json.Unmarshal(rec.Data, &c); err != nil {
			t.Fatalf("decode: %v", err)
		}
		out[rec.ID] = c
	}
	return out
}

func TestDispatcherPushesQueuedWrite(t *testing.T) {
	e, lg := newTestEngine(t)
	ctx := engineCtx()

	c := &models.Client{
		SyncMeta: models.SyncMeta{ID: "c-1", BusinessId: "biz-1", WorkspaceId: "ws-1"},
		Name:     "Durand",
	}
	if err := e.CreateClient(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	e.Dispatcher().dispatchOnce(ctx)

	remote := remoteClients(t, lg)
	if got, ok := remote["c-1"]; !ok || got.Name != "Durand" {
		t.Fatalf("write not pushed: %+v", remote)
	}

	var count int64
	if err := e.Mirror().DB().Model(&models.PushOperation{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("queue row should be resolved after push, got %d rows", count)
	}
}

func TestDispatcherCoalescesRapidEdits(t *testing.T) {
	e, lg := newTestEngine(t)
	ctx := engineCtx()

	c := &models.Client{
		SyncMeta: models.SyncMeta{ID: "c-1", BusinessId: "biz-1", WorkspaceId: "ws-1"},
		Name:     "First",
	}
	if err := e.CreateClient(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	c.Name = "Second"
	if err := e.UpdateClient(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}
	c.Name = "Third"
	if err := e.UpdateClient(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Three rapid edits, one queue row, one push carrying the latest state.
	var count int64
	if err := e.Mirror().DB().Model(&models.PushOperation{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one coalesced row, got %d", count)
	}

	e.Dispatcher().dispatchOnce(ctx)
	remote := remoteClients(t, lg)
	if remote["c-1"].Name != "Third" {
		t.Fatalf("push did not carry latest version: %q", remote["c-1"].Name)
	}
}

func TestDispatcherKeepsNewerRowWhenRaceLosesPush(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := engineCtx()

	c := &models.Client{
		SyncMeta: models.SyncMeta{ID: "c-1", BusinessId: "biz-1", WorkspaceId: "ws-1"},
		Name:     "First",
	}
	if err := e.CreateClient(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	var op models.PushOperation
	if err := e.Mirror().DB().First(&op).Error; err != nil {
		t.Fatalf("read op: %v", err)
	}

	// A fresh local edit lands between claim and resolve: the row now holds
	// a newer version than the one that was pushed, and must survive.
	c.Name = "Second"
	if err := e.UpdateClient(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}
	e.Dispatcher().resolvePushed(ctx, op)

	var count int64
	if err := e.Mirror().DB().Model(&models.PushOperation{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("newer coalesced row was deleted by a stale resolve")
	}
}

func TestDispatcherRetriesNetworkFailuresSilently(t *testing.T) {
	e, lg := newTestEngine(t)
	ctx := engineCtx()

	var reported []error
	e.SetOnPushError(func(op models.PushOperation, err error) {
		reported = append(reported, err)
	})

	c := &models.Client{
		SyncMeta: models.SyncMeta{ID: "c-1", BusinessId: "biz-1", WorkspaceId: "ws-1"},
		Name:     "Durand",
	}
	if err := e.CreateClient(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	lg.SetOffline(true)
	e.Dispatcher().dispatchOnce(ctx)

	var op models.PushOperation
	if err := e.Mirror().DB().First(&op).Error; err != nil {
		t.Fatalf("read op: %v", err)
	}
	if op.Status != models.PushStatusFailed {
		t.Fatalf("expected FAILED, got %s", op.Status)
	}
	if op.Attempts != 1 || op.NextAttemptAt == nil {
		t.Fatalf("attempt bookkeeping wrong: %+v", op)
	}
	if len(reported) != 0 {
		t.Fatalf("network failures must not reach the onError channel: %v", reported)
	}

	// Recovery: due row drains on the next pass.
	lg.SetOffline(false)
	if err := e.Mirror().DB().Model(&models.PushOperation{}).
		Where("id = ?", op.ID).
		Update("next_attempt_at", time.Now().Add(-time.Second)).Error; err != nil {
		t.Fatalf("force due: %v", err)
	}
	e.Dispatcher().dispatchOnce(ctx)

	remote := remoteClients(t, lg)
	if _, ok := remote["c-1"]; !ok {
		t.Fatal("queued write not delivered after recovery")
	}
}

// rejectingLedger refuses entity writes with a non-network error.
type rejectingLedger struct {
	*ledger.MemoryLedger
}

func (r *rejectingLedger) Write(ctx context.Context, path ledger.Path, rec ledger.Record) error {
	return utils.Errorf(utils.KindInvalid, "schema rejected record %s", rec.ID)
}

func TestDispatcherSurfacesRemoteRejections(t *testing.T) {
	e, _ := newTestEngine(t)
	rl := &rejectingLedger{MemoryLedger: ledger.NewMemoryLedger()}
	e2 := NewEngine(e.Mirror(), rl, e.Mirror().Logger())
	ctx := engineCtx()

	var reported []error
	e2.SetOnPushError(func(op models.PushOperation, err error) {
		reported = append(reported, err)
	})

	c := &models.Client{
		SyncMeta: models.SyncMeta{ID: "c-1", BusinessId: "biz-1", WorkspaceId: "ws-1"},
		Name:     "Durand",
	}
	if err := e2.CreateClient(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	e2.Dispatcher().dispatchOnce(ctx)

	if len(reported) != 1 {
		t.Fatalf("rejection should surface immediately, got %d reports", len(reported))
	}
	var op models.PushOperation
	if err := e2.Mirror().DB().First(&op).Error; err != nil {
		t.Fatalf("read op: %v", err)
	}
	if op.Status != models.PushStatusFailed {
		t.Fatalf("rejected write must stay queued, got %s", op.Status)
	}
}

func TestDispatcherDeadLettersAfterMaxAttempts(t *testing.T) {
	e, lg := newTestEngine(t)
	ctx := engineCtx()
	e.Dispatcher().MaxAttempts = 2

	var deadReports int
	e.SetOnPushError(func(op models.PushOperation, err error) { deadReports++ })

	c := &models.Client{
		SyncMeta: models.SyncMeta{ID: "c-1", BusinessId: "biz-1", WorkspaceId: "ws-1"},
		Name:     "Durand",
	}
	if err := e.CreateClient(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	lg.SetOffline(true)
	for i := 0; i < 3; i++ {
		if err := e.Mirror().DB().Model(&models.PushOperation{}).
			Where("entity_id = ?", "c-1").
			Update("next_attempt_at", time.Now().Add(-time.Second)).Error; err != nil {
			t.Fatalf("force due: %v", err)
		}
		e.Dispatcher().dispatchOnce(ctx)
	}

	var op models.PushOperation
	if err := e.Mirror().DB().First(&op).Error; err != nil {
		t.Fatalf("read op: %v", err)
	}
	if op.Status != models.PushStatusDead {
		t.Fatalf("expected DEAD after max attempts, got %s (attempts=%d)", op.Status, op.Attempts)
	}
	if deadReports == 0 {
		t.Fatal("dead-lettering must be reported")
	}

	// Dead revert requeues and the row drains once connectivity returns.
	lg.SetOffline(false)
	n, err := models.RevertDeadPushes(e.Mirror().DB(), "biz-1")
	if err != nil || n != 1 {
		t.Fatalf("revert: n=%d err=%v", n, err)
	}
	e.Dispatcher().dispatchOnce(ctx)
	remote := remoteClients(t, lg)
	if _, ok := remote["c-1"]; !ok {
		t.Fatal("reverted row not delivered")
	}
}

func TestMarkPushFailedSkipsRearmedRow(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := engineCtx()

	var reports int
	e.SetOnPushError(func(op models.PushOperation, err error) { reports++ })

	c := &models.Client{
		SyncMeta: models.SyncMeta{ID: "c-1", BusinessId: "biz-1", WorkspaceId: "ws-1"},
		Name:     "Durand",
	}
	if err := e.CreateClient(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	var current models.PushOperation
	if err := e.Mirror().DB().First(&current).Error; err != nil {
		t.Fatalf("read op: %v", err)
	}

	// Pretend the push in flight carried an older version; a coalesced edit
	// has since re-armed the row with a fresher entity_updated_at.
	stale := current
	stale.EntityUpdatedAt = current.EntityUpdatedAt - 1
	stale.Attempts = 1
	e.Dispatcher().markPushFailed(ctx, stale, utils.Errorf(utils.KindNetwork, "dial tcp: timeout"))

	var after models.PushOperation
	if err := e.Mirror().DB().First(&after).Error; err != nil {
		t.Fatalf("re-read op: %v", err)
	}
	if after.Status != models.PushStatusPending {
		t.Fatalf("re-armed row demoted to %s", after.Status)
	}
	if after.NextAttemptAt != nil {
		t.Fatal("re-armed row must stay immediately eligible")
	}

	// Same for the dead-letter branch: a stale failure must not park the
	// fresh write, or report it.
	stale.Attempts = e.Dispatcher().MaxAttempts
	e.Dispatcher().markPushFailed(ctx, stale, utils.Errorf(utils.KindInvalid, "schema rejected"))
	if err := e.Mirror().DB().First(&after).Error; err != nil {
		t.Fatalf("re-read op: %v", err)
	}
	if after.Status != models.PushStatusPending {
		t.Fatalf("stale dead-letter demoted row to %s", after.Status)
	}
	if reports != 0 {
		t.Fatalf("stale failures reported %d times, want 0", reports)
	}
}
