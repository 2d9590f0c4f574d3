// Package presence manages the tenant-wide device lease: each plan grants a
// fixed number of simultaneously online devices, and a device must hold (and
// renew) a slot before the rest of the app is allowed to write. Blocking is
// never permanent: a blocked device keeps a listener on the device list and
// clears itself the moment a slot frees up.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/gestiodev/gestion_backend/ledger"
	"bitbucket.org/gestiodev/gestion_backend/models"
	"bitbucket.org/gestiodev/gestion_backend/utils"
)

type Status string

const (
	StatusUnregistered Status = "UNREGISTERED"
	StatusPending      Status = "PENDING"
	StatusActive       Status = "ACTIVE"
	StatusRejected     Status = "REJECTED"
	StatusOffline      Status = "OFFLINE"
)

// Result is the outcome of a lease attempt. Offline means the ledger was
// unreachable and the app runs against the local mirror only, with no device
// cap enforced until connectivity returns.
type Result struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Max     int    `json:"max,omitempty"`
	Offline bool   `json:"offline,omitempty"`
}

type Manager struct {
	ledger   ledger.Ledger
	mirror   *models.Mirror
	identity DeviceIdentity
	auth     utils.Identity
	logger   *logrus.Logger

	HeartbeatInterval time.Duration
	StaleAfter        time.Duration

	planLookup func(planId string) models.PlanLimits
	clock      models.Clock

	mu          sync.Mutex
	status      Status
	businessId  string
	maxDevices  int
	onUnblocked func()
	unsubscribe ledger.UnsubscribeFunc
	stopBeat    context.CancelFunc
}

func NewManager(lg ledger.Ledger, mirror *models.Mirror, identity DeviceIdentity, auth utils.Identity, logger *logrus.Logger) *Manager {
	return &Manager{
		ledger:            lg,
		mirror:            mirror,
		identity:          identity,
		auth:              auth,
		logger:            logger,
		HeartbeatInterval: 30 * time.Second,
		StaleAfter:        90 * time.Second,
		planLookup:        models.LookupPlan,
		status:            StatusUnregistered,
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) DeviceId() string { return m.identity.DeviceId }

// OnUnblocked registers the callback invoked when a blocked device claims a
// freed slot. Must be set before InitializePresence.
func (m *Manager) OnUnblocked(fn func()) {
	m.mu.Lock()
	m.onUnblocked = fn
	m.mu.Unlock()
}

// InitializePresence attempts to claim one of the tenant's device slots.
// Ledger unreachability is not an error: the device proceeds in offline mode
// and no slot accounting happens until connectivity returns.
func (m *Manager) InitializePresence(ctx context.Context, businessId, planId string) Result {
	limits := m.planLookup(planId)

	m.mu.Lock()
	m.businessId = businessId
	m.maxDevices = limits.MaxDevices
	m.status = StatusPending
	m.mu.Unlock()

	m.appendHistory(ctx, models.ConnectionStatusAttempt, "")

	devices, err := m.readDevices(ctx)
	if err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Warn("presence: ledger unreachable, entering offline mode")
		}
		m.setStatus(StatusActive)
		return Result{Success: true, Offline: true}
	}

	if !limits.Unlimited() && m.countOnlineOthers(devices) >= limits.MaxDevices {
		m.appendHistory(ctx, models.ConnectionStatusBlocked, "MAX_DEVICES_REACHED")
		m.setStatus(StatusRejected)
		m.startAutoUnblock(ctx)
		return Result{Success: false, Reason: "MAX_DEVICES_REACHED", Max: limits.MaxDevices}
	}

	if err := m.claimSlot(ctx); err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Warn("presence: slot claim failed, entering offline mode")
		}
		m.setStatus(StatusActive)
		return Result{Success: true, Offline: true}
	}
	return Result{Success: true, Max: limits.MaxDevices}
}

// claimSlot writes this device online, records history and starts the
// heartbeat.
func (m *Manager) claimSlot(ctx context.Context) error {
	if err := m.writeDevice(ctx, models.DeviceStatusOnline); err != nil {
		return err
	}
	m.appendHistory(ctx, models.ConnectionStatusConnected, "")
	m.setStatus(StatusActive)
	m.startHeartbeat()
	return nil
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

func (m *Manager) countOnlineOthers(devices []models.DeviceRecord) int {
	now := m.clock.NowMillis()
	n := 0
	for i := range devices {
		if devices[i].ID == m.identity.DeviceId {
			continue
		}
		if devices[i].Online(now, m.StaleAfter.Milliseconds()) {
			n++
		}
	}
	return n
}

func (m *Manager) readDevices(ctx context.Context) ([]models.DeviceRecord, error) {
	records, err := m.ledger.BulkRead(ctx, ledger.DevicesPath(m.businessId))
	if err != nil {
		return nil, err
	}
	devices := make([]models.DeviceRecord, 0, len(records))
	for _, rec := range records {
		if rec.Deleted {
			continue
		}
		var d models.DeviceRecord
		if err := json.Unmarshal(rec.Data, &d); err != nil {
			continue
		}
		devices = append(devices, d)
		_ = m.mirror.UpsertDeviceLocal(&d)
	}
	return devices, nil
}

func (m *Manager) writeDevice(ctx context.Context, status models.DeviceStatus) error {
	now := m.clock.NowMillis()
	rec := models.DeviceRecord{
		ID:         m.identity.DeviceId,
		BusinessId: m.businessId,
		Status:     status,
		LastSeen:   now,
		UserAgent:  m.identity.UserAgent,
		Name:       m.identity.Name,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	_ = m.mirror.UpsertDeviceLocal(&rec)
	return m.ledger.Write(ctx, ledger.DevicesPath(m.businessId), ledger.Record{
		ID:        rec.ID,
		UpdatedAt: now,
		Data:      data,
	})
}

// appendHistory is best effort on both sides: the audit trail must never
// block the lease flow.
func (m *Manager) appendHistory(ctx context.Context, status models.ConnectionStatus, reason string) {
	entry := models.ConnectionHistoryEntry{
		ID:         uuid.NewString(),
		BusinessId: m.businessId,
		Status:     status,
		DeviceId:   m.identity.DeviceId,
		DeviceName: m.identity.Name,
		Reason:     reason,
		Timestamp:  m.clock.NowMillis(),
	}
	_ = m.mirror.AppendConnectionHistoryLocal(&entry)

	data, err := json.Marshal(&entry)
	if err != nil {
		return
	}
	if err := m.ledger.Write(ctx, ledger.ConnectionHistoryPath(m.businessId), ledger.Record{
		ID:        entry.ID,
		UpdatedAt: entry.Timestamp,
		Data:      data,
	}); err != nil && m.logger != nil {
		m.logger.WithError(err).Debug("presence: history write failed")
	}
}

// startAutoUnblock watches the device list and claims a slot the moment one
// frees up. Re-evaluates on every change event rather than polling.
func (m *Manager) startAutoUnblock(ctx context.Context) {
	unsub, err := m.ledger.Subscribe(ctx, ledger.DevicesPath(m.businessId), func(_ ledger.Record) {
		// Pending guards against concurrent claims from bursty events; a
		// failed claim drops back to Rejected so the next event retries.
		m.mu.Lock()
		if m.status != StatusRejected {
			m.mu.Unlock()
			return
		}
		m.status = StatusPending
		max := m.maxDevices
		m.mu.Unlock()

		devices, err := m.readDevices(ctx)
		if err != nil || m.countOnlineOthers(devices) >= max {
			m.setStatus(StatusRejected)
			return
		}

		if err := m.claimSlot(ctx); err != nil {
			if m.logger != nil {
				m.logger.WithError(err).Warn("presence: unblock claim failed")
			}
			m.setStatus(StatusRejected)
			return
		}
		m.mu.Lock()
		fn := m.onUnblocked
		unsubFn := m.unsubscribe
		m.unsubscribe = nil
		m.mu.Unlock()
		if unsubFn != nil {
			unsubFn()
		}
		if fn != nil {
			fn()
		}
	})
	if err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Warn("presence: unblock listener failed to start")
		}
		return
	}
	m.mu.Lock()
	prev := m.unsubscribe
	m.unsubscribe = unsub
	m.mu.Unlock()
	// A repeated blocked InitializePresence would otherwise leak the
	// previous listener.
	if prev != nil {
		prev()
	}
}

func (m *Manager) startHeartbeat() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.stopBeat != nil {
		m.stopBeat()
	}
	m.stopBeat = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.writeDevice(ctx, models.DeviceStatusOnline); err != nil && m.logger != nil {
					m.logger.WithError(err).Debug("presence: heartbeat failed")
				}
			}
		}
	}()
}

// Kick evicts another device. The caller must prove current credentials:
// holding a session is not enough to free up slots.
func (m *Manager) Kick(ctx context.Context, password, deviceId string) error {
	if err := m.auth.Reauthenticate(ctx, password); err != nil {
		return err
	}
	return m.ForceRelease(ctx, deviceId)
}

// ForceRelease removes a device lease without a credential challenge. It
// backs the out-of-band email-confirmation flow, where the link itself is
// the proof.
func (m *Manager) ForceRelease(ctx context.Context, deviceId string) error {
	if err := m.ledger.Remove(ctx, ledger.DevicesPath(m.businessId), deviceId); err != nil {
		return err
	}
	return m.mirror.DB().WithContext(ctx).
		Where("id = ? AND business_id = ?", deviceId, m.businessId).
		Delete(&models.DeviceRecord{}).Error
}

// ListDevices returns the tenant's devices from the ledger, falling back to
// the local mirror when offline.
func (m *Manager) ListDevices(ctx context.Context) ([]models.DeviceRecord, error) {
	devices, err := m.readDevices(ctx)
	if err != nil {
		return m.mirror.ListDevicesLocal(m.businessId)
	}
	return devices, nil
}

// Stop releases the slot and tears everything down. Idempotent.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	cancel := m.stopBeat
	m.stopBeat = nil
	unsub := m.unsubscribe
	m.unsubscribe = nil
	wasActive := m.status == StatusActive
	m.status = StatusOffline
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
	if wasActive {
		if err := m.writeDevice(ctx, models.DeviceStatusOffline); err != nil && m.logger != nil {
			m.logger.WithError(err).Debug("presence: offline write failed on stop")
		}
	}
}
