package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FieldChange records one field-level before/after pair. Activity entries are
// the only audit trail, and per-entity "what changed" views are reconstructed
// from these, so a free-text description alone is not enough.
type FieldChange struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

type FieldChanges []FieldChange

func (c FieldChanges) Value() (driver.Value, error) {
	if len(c) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *FieldChanges) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*c = nil
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("cannot scan %T into FieldChanges", value)
	}
}

// ActivityLogEntry is append-only: no update or delete path is exported.
// Entries sync like any other entity so every device sees the same trail.
type ActivityLogEntry struct {
	SyncMeta
	Action             string          `gorm:"size:40;not null" json:"action"`
	EntityType         string          `gorm:"size:40;index" json:"entityType"`
	EntityId           string          `gorm:"size:64;index" json:"entityId"`
	Description        string          `gorm:"type:text" json:"description"`
	Changes            FieldChanges    `gorm:"type:text" json:"changes"`
	TreasuryAdjustment decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"treasuryAdjustment"`
}

func (a *ActivityLogEntry) Meta() *SyncMeta      { return &a.SyncMeta }
func (*ActivityLogEntry) Collection() Collection { return CollectionActivityLogs }

// CreateActivityTx appends an audit entry inside the caller's transaction and
// enqueues its push, so the entry commits or rolls back with the mutation it
// describes.
func CreateActivityTx(tx *gorm.DB, clock *Clock, entry *ActivityLogEntry) error {
	if entry.BusinessId == "" {
		return errors.New("business id is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := clock.NowMillis()
	if entry.CreatedAt == 0 {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if err := tx.Create(entry).Error; err != nil {
		return err
	}
	return EnqueuePushTx(tx, entry)
}
