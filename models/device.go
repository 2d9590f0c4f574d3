package models

type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// DeviceRecord lives under the business, not a workspace: the device lease is
// tenant-wide. ID is the stable per-installation identifier. LastSeen doubles
// as the last-writer-wins timestamp on the ledger side, so a heartbeat is just
// a rewrite with a fresher LastSeen.
type DeviceRecord struct {
	ID         string       `gorm:"primaryKey;size:64" json:"id"`
	BusinessId string       `gorm:"index;size:64;not null" json:"businessId"`
	Status     DeviceStatus `gorm:"size:10;default:'offline'" json:"status"`
	LastSeen   int64        `gorm:"index" json:"lastSeen"`
	UserAgent  string       `gorm:"size:255" json:"userAgent"`
	Name       string       `gorm:"size:100" json:"name"`
}

// Online reports whether the record counts toward the lease cap: status says
// online AND the heartbeat is fresh. Crashed tabs stop renewing and fall out
// of the count after staleAfterMillis even if the sweep has not run yet.
func (d *DeviceRecord) Online(nowMillis int64, staleAfterMillis int64) bool {
	if d.Status != DeviceStatusOnline {
		return false
	}
	if staleAfterMillis > 0 && nowMillis-d.LastSeen > staleAfterMillis {
		return false
	}
	return true
}

type ConnectionStatus string

const (
	ConnectionStatusConnected ConnectionStatus = "connected"
	ConnectionStatusBlocked   ConnectionStatus = "blocked"
	ConnectionStatusAttempt   ConnectionStatus = "attempt"
)

// ConnectionHistoryEntry is append-only.
type ConnectionHistoryEntry struct {
	ID         string           `gorm:"primaryKey;size:64" json:"id"`
	BusinessId string           `gorm:"index;size:64;not null" json:"businessId"`
	Status     ConnectionStatus `gorm:"size:10;not null" json:"status"`
	DeviceId   string           `gorm:"size:64;index" json:"deviceId"`
	DeviceName string           `gorm:"size:100" json:"deviceName"`
	Reason     string           `gorm:"size:255" json:"reason"`
	Timestamp  int64            `gorm:"index" json:"timestamp"`
}
