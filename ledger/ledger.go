// Package ledger defines the remote, tenant-partitioned, timestamp-ordered
// store the sync engine converges against. The adapter surface is
// deliberately thin: bulk read, incremental change subscription, conditional
// (last-writer-wins) write, hard remove. The store is assumed eventually
// consistent; writes are idempotent upserts keyed by record id.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
)

// Path addresses one collection partition. Entity collections are partitioned
// per workspace; device and connection-history collections live directly
// under the business (the device lease is tenant-wide).
type Path struct {
	BusinessId  string
	WorkspaceId string
	Collection  string
}

func (p Path) Key() string {
	if p.WorkspaceId == "" {
		return fmt.Sprintf("biz/%s/%s", p.BusinessId, p.Collection)
	}
	return fmt.Sprintf("biz/%s/ws/%s/%s", p.BusinessId, p.WorkspaceId, p.Collection)
}

func EntityPath(businessId, workspaceId string, collection string) Path {
	return Path{BusinessId: businessId, WorkspaceId: workspaceId, Collection: collection}
}

const (
	devicesCollection           = "devices"
	connectionHistoryCollection = "connection_history"
)

func DevicesPath(businessId string) Path {
	return Path{BusinessId: businessId, Collection: devicesCollection}
}

func ConnectionHistoryPath(businessId string) Path {
	return Path{BusinessId: businessId, Collection: connectionHistoryCollection}
}

// Record is the wire envelope. UpdatedAt (epoch millis) orders writes;
// Deleted marks a hard remove flowing through the change stream; Data is the
// serialized entity.
type Record struct {
	ID        string          `json:"id"`
	UpdatedAt int64           `json:"updatedAt"`
	Deleted   bool            `json:"deleted"`
	Data      json.RawMessage `json:"data"`
}

// ChangeHandler receives one change event. Handlers must be idempotent: the
// stream is at-least-once and a resubscribe may replay recent records.
type ChangeHandler func(Record)

// UnsubscribeFunc cancels a subscription; it is safe to call more than once.
type UnsubscribeFunc func()

type Ledger interface {
	// BulkRead returns every record in the partition, tombstoned or not.
	BulkRead(ctx context.Context, path Path) ([]Record, error)

	// Subscribe registers fn for subsequent changes on the partition.
	Subscribe(ctx context.Context, path Path, fn ChangeHandler) (UnsubscribeFunc, error)

	// Write upserts conditionally: the record lands only if its UpdatedAt is
	// >= the stored one (ties overwrite). A superseded write returns nil,
	// since the store already converged past it.
	Write(ctx context.Context, path Path, rec Record) error

	// Remove hard-deletes a record and emits a Deleted change event. Reserved
	// for lease records (forced device release); entities tombstone instead.
	Remove(ctx context.Context, path Path, id string) error
}
