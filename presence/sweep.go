package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/gestiodev/gestion_backend/ledger"
	"bitbucket.org/gestiodev/gestion_backend/models"
)

// StaleDevices lists devices still marked online whose heartbeat is older
// than ttl.
func StaleDevices(ctx context.Context, lg ledger.Ledger, businessId string, ttl time.Duration) ([]models.DeviceRecord, error) {
	records, err := lg.BulkRead(ctx, ledger.DevicesPath(businessId))
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	ttlMillis := ttl.Milliseconds()
	var stale []models.DeviceRecord
	for _, rec := range records {
		if rec.Deleted {
			continue
		}
		var d models.DeviceRecord
		if err := json.Unmarshal(rec.Data, &d); err != nil {
			continue
		}
		if d.Status == models.DeviceStatusOnline && now-d.LastSeen > ttlMillis {
			stale = append(stale, d)
		}
	}
	return stale, nil
}

// SweepStale flips devices whose heartbeat went silent for longer than ttl to
// offline. Crashed tabs never say goodbye; without the sweep they would hold
// their slot forever and falsely block the rest of the tenant's devices.
// Returns the number of devices swept.
func SweepStale(ctx context.Context, lg ledger.Ledger, logger *logrus.Logger, businessId string, ttl time.Duration) (int, error) {
	stale, err := StaleDevices(ctx, lg, businessId, ttl)
	if err != nil {
		return 0, err
	}

	now := time.Now().UnixMilli()
	swept := 0

	for _, d := range stale {
		d.Status = models.DeviceStatusOffline
		data, err := json.Marshal(&d)
		if err != nil {
			continue
		}
		// UpdatedAt must beat the device's own LastSeen or the write is
		// superseded; a device that resumed heartbeating wins the race.
		if err := lg.Write(ctx, ledger.DevicesPath(businessId), ledger.Record{
			ID:        d.ID,
			UpdatedAt: now,
			Data:      data,
		}); err != nil {
			if logger != nil {
				logger.WithError(err).WithField("deviceId", d.ID).Warn("sweep: offline write failed")
			}
			continue
		}
		swept++
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"businessId": businessId,
				"deviceId":   d.ID,
				"lastSeen":   d.LastSeen,
			}).Info("sweep: stale device marked offline")
		}
	}
	return swept, nil
}
