package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PushStatus string

const (
	PushStatusPending    PushStatus = "PENDING"
	PushStatusProcessing PushStatus = "PROCESSING"
	PushStatusFailed     PushStatus = "FAILED"
	PushStatusDead       PushStatus = "DEAD"
)

// PushOperation is the durable offline write queue, one row per
// (collection, entity id). Re-queueing an id overwrites the row with the
// latest payload, which is what coalesces rapid local edits into a single
// push. Rows are written inside the same mirror transaction as the entity
// they carry (transactional outbox) and deleted once the ledger accepted the
// push. DEAD rows stay put: a write is never dropped silently.
type PushOperation struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	BusinessId      string     `gorm:"index;size:64;not null" json:"business_id"`
	WorkspaceId     string     `gorm:"size:64" json:"workspace_id"`
	Collection      string     `gorm:"size:40;not null;uniqueIndex:idx_push_entity,priority:1" json:"collection"`
	EntityId        string     `gorm:"size:64;not null;uniqueIndex:idx_push_entity,priority:2" json:"entity_id"`
	Payload         []byte     `gorm:"type:blob" json:"-"`
	EntityUpdatedAt int64      `gorm:"not null" json:"entity_updated_at"`
	Deleted         bool       `gorm:"default:false" json:"deleted"`
	Status          PushStatus `gorm:"size:12;index;default:'PENDING'" json:"status"`
	Attempts        int        `gorm:"default:0" json:"attempts"`
	LastError       *string    `gorm:"type:text" json:"last_error"`
	NextAttemptAt   *time.Time `json:"next_attempt_at"`
	LockedAt        *time.Time `json:"locked_at"`
	LockedBy        *string    `gorm:"size:64" json:"locked_by"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueuePushTx upserts the push row for an entity inside the caller's
// transaction. Callers hold the per-id lock and timestamps are monotonic, so
// an unconditional overwrite always keeps the latest version.
func EnqueuePushTx(tx *gorm.DB, ent Entity) error {
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	meta := ent.Meta()
	op := PushOperation{
		BusinessId:      meta.BusinessId,
		WorkspaceId:     meta.WorkspaceId,
		Collection:      string(ent.Collection()),
		EntityId:        meta.ID,
		Payload:         payload,
		EntityUpdatedAt: meta.UpdatedAt,
		Deleted:         meta.IsDeleted,
		Status:          PushStatusPending,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "collection"}, {Name: "entity_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"business_id":       op.BusinessId,
			"workspace_id":      op.WorkspaceId,
			"payload":           op.Payload,
			"entity_updated_at": op.EntityUpdatedAt,
			"deleted":           op.Deleted,
			"status":            string(PushStatusPending),
			"attempts":          0,
			"last_error":        nil,
			"next_attempt_at":   nil,
			"locked_at":         nil,
			"locked_by":         nil,
		}),
	}).Create(&op).Error
}

// PushBacklog returns per-status row counts, for the ops endpoint.
func PushBacklog(db *gorm.DB, businessId string) (map[PushStatus]int64, error) {
	type row struct {
		Status PushStatus
		N      int64
	}
	var rows []row
	q := db.Model(&PushOperation{}).Select("status, count(*) as n").Group("status")
	if businessId != "" {
		q = q.Where("business_id = ?", businessId)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}
	backlog := make(map[PushStatus]int64, len(rows))
	for _, r := range rows {
		backlog[r.Status] = r.N
	}
	return backlog, nil
}

// RevertDeadPushes requeues DEAD rows for another round of attempts, e.g.
// after a remote schema fix. Returns the number of rows reverted.
func RevertDeadPushes(db *gorm.DB, businessId string) (int64, error) {
	q := db.Model(&PushOperation{}).Where("status = ?", PushStatusDead)
	if businessId != "" {
		q = q.Where("business_id = ?", businessId)
	}
	res := q.Updates(map[string]interface{}{
		"status":          string(PushStatusPending),
		"attempts":        0,
		"last_error":      nil,
		"next_attempt_at": nil,
		"locked_at":       nil,
		"locked_by":       nil,
	})
	return res.RowsAffected, res.Error
}
