package models

import "gorm.io/gorm"

// MigrateTables creates or upgrades the mirror schema: one table per entity
// type plus the device/lease tables and the push queue.
func MigrateTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&Client{},
		&Reservation{},
		&StockItem{},
		&Expense{},
		&QuickIncome{},
		&Investment{},
		&PlanningItem{},
		&ActivityLogEntry{},
		&DeviceRecord{},
		&ConnectionHistoryEntry{},
		&PushOperation{},
		&SyncCheckpoint{},
	)
}
