package ledger

import (
	"context"
	"testing"

	"bitbucket.org/gestiodev/gestion_backend/utils"
)

func TestMemoryLedgerConditionalWrite(t *testing.T) {
	lg := NewMemoryLedger()
	ctx := context.Background()
	path := EntityPath("biz-1", "ws-1", "clients")

	if err := lg.Write(ctx, path, Record{ID: "a", UpdatedAt: 2000, Data: []byte(`{"v":2}`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Stale write is accepted as a no-op, not an error.
	if err := lg.Write(ctx, path, Record{ID: "a", UpdatedAt: 1000, Data: []byte(`{"v":1}`)}); err != nil {
		t.Fatalf("stale write: %v", err)
	}

	records, err := lg.BulkRead(ctx, path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 1 || records[0].UpdatedAt != 2000 {
		t.Fatalf("stale write clobbered newer record: %+v", records)
	}

	// Equal timestamp overwrites (ties favor the latest arrival).
	if err := lg.Write(ctx, path, Record{ID: "a", UpdatedAt: 2000, Data: []byte(`{"v":3}`)}); err != nil {
		t.Fatalf("tie write: %v", err)
	}
	records, _ = lg.BulkRead(ctx, path)
	if string(records[0].Data) != `{"v":3}` {
		t.Fatalf("tie write ignored: %s", records[0].Data)
	}
}

func TestMemoryLedgerSubscribeAndUnsubscribe(t *testing.T) {
	lg := NewMemoryLedger()
	ctx := context.Background()
	path := EntityPath("biz-1", "ws-1", "clients")

	var seen []Record
	unsub, err := lg.Subscribe(ctx, path, func(rec Record) { seen = append(seen, rec) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := lg.Write(ctx, path, Record{ID: "a", UpdatedAt: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(seen) != 1 || seen[0].ID != "a" {
		t.Fatalf("expected one event, got %+v", seen)
	}

	// Other partitions do not leak.
	if err := lg.Write(ctx, EntityPath("biz-2", "ws-1", "clients"), Record{ID: "b", UpdatedAt: 1}); err != nil {
		t.Fatalf("write other: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("cross-partition leak: %+v", seen)
	}

	unsub()
	unsub() // idempotent
	if err := lg.Write(ctx, path, Record{ID: "a", UpdatedAt: 2}); err != nil {
		t.Fatalf("write after unsub: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("handler fired after unsubscribe: %+v", seen)
	}
}

func TestMemoryLedgerRemoveEmitsTombstone(t *testing.T) {
	lg := NewMemoryLedger()
	ctx := context.Background()
	path := DevicesPath("biz-1")

	if err := lg.Write(ctx, path, Record{ID: "dev-1", UpdatedAt: 10}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var seen []Record
	if _, err := lg.Subscribe(ctx, path, func(rec Record) { seen = append(seen, rec) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := lg.Remove(ctx, path, "dev-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if len(seen) != 1 || !seen[0].Deleted || seen[0].ID != "dev-1" {
		t.Fatalf("expected tombstone event, got %+v", seen)
	}
	records, _ := lg.BulkRead(ctx, path)
	if len(records) != 0 {
		t.Fatalf("record not removed: %+v", records)
	}
}

func TestMemoryLedgerOfflineSimulation(t *testing.T) {
	lg := NewMemoryLedger()
	ctx := context.Background()
	path := EntityPath("biz-1", "ws-1", "clients")

	lg.SetOffline(true)
	if err := lg.Write(ctx, path, Record{ID: "a", UpdatedAt: 1}); utils.Kind(err) != utils.KindNetwork {
		t.Fatalf("expected NETWORK error while offline, got %v", err)
	}
	if _, err := lg.BulkRead(ctx, path); utils.Kind(err) != utils.KindNetwork {
		t.Fatalf("expected NETWORK error while offline, got %v", err)
	}

	lg.SetOffline(false)
	if err := lg.Write(ctx, path, Record{ID: "a", UpdatedAt: 1}); err != nil {
		t.Fatalf("write after recovery: %v", err)
	}
}

func TestPathKeyShape(t *testing.T) {
	if got := EntityPath("b1", "w1", "clients").Key(); got != "biz/b1/ws/w1/clients" {
		t.Fatalf("entity key: %q", got)
	}
	if got := DevicesPath("b1").Key(); got != "biz/b1/devices" {
		t.Fatalf("devices key: %q", got)
	}
}
