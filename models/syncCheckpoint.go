package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SyncCheckpoint records the outcome of the last full pull per workspace,
// surfaced by the ops endpoint.
type SyncCheckpoint struct {
	BusinessId    string     `gorm:"primaryKey;size:64" json:"business_id"`
	WorkspaceId   string     `gorm:"primaryKey;size:64" json:"workspace_id"`
	LastFullSync  *time.Time `json:"last_full_sync"`
	LastSuccessAt *time.Time `json:"last_success_at"`
	LastError     *string    `gorm:"type:text" json:"last_error"`
}

func UpsertSyncCheckpoint(db *gorm.DB, businessId, workspaceId string, syncErr error) error {
	now := time.Now().UTC()
	cp := SyncCheckpoint{
		BusinessId:   businessId,
		WorkspaceId:  workspaceId,
		LastFullSync: &now,
	}
	assignments := map[string]interface{}{
		"last_full_sync": &now,
	}
	if syncErr != nil {
		msg := syncErr.Error()
		cp.LastError = &msg
		assignments["last_error"] = &msg
	} else {
		cp.LastSuccessAt = &now
		assignments["last_success_at"] = &now
		assignments["last_error"] = nil
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "business_id"}, {Name: "workspace_id"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&cp).Error
}

func GetSyncCheckpoint(db *gorm.DB, businessId, workspaceId string) (*SyncCheckpoint, error) {
	var cp SyncCheckpoint
	err := db.Where("business_id = ? AND workspace_id = ?", businessId, workspaceId).First(&cp).Error
	if err != nil {
		return nil, err
	}
	return &cp, nil
}
