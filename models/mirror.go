package models

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/gestiodev/gestion_backend/utils"
)

// Mirror is the embedded local store every dashboard page reads from. It is
// the single source of truth for UI reads; the remote ledger is the single
// source of truth for cross-device convergence and wins every conflict.
type Mirror struct {
	db     *gorm.DB
	logger *logrus.Logger
	bus    *ChangeBus
	clock  Clock
	locks  *KeyedLock
}

func NewMirror(db *gorm.DB, logger *logrus.Logger) (*Mirror, error) {
	if err := MigrateTables(db); err != nil {
		return nil, err
	}
	return &Mirror{
		db:     db,
		logger: logger,
		bus:    NewChangeBus(logger),
		locks:  NewKeyedLock(),
	}, nil
}

func (m *Mirror) DB() *gorm.DB           { return m.db }
func (m *Mirror) Logger() *logrus.Logger { return m.logger }
func (m *Mirror) Clock() *Clock          { return &m.clock }

// Lock serializes mutations on one entity id. The returned func releases it.
func (m *Mirror) Lock(collection Collection, id string) func() {
	return m.locks.Lock(fmt.Sprintf("%s|%s", collection, id))
}

// SubscribeWorkspace is the live-query primitive dashboard pages use: change
// events for one collection in one workspace, until ctx is cancelled.
func (m *Mirror) SubscribeWorkspace(ctx context.Context, collection Collection, workspaceId string) (<-chan ChangeEvent, error) {
	return m.bus.Subscribe(ctx, collection, workspaceId)
}

func (m *Mirror) Close() error {
	return m.bus.Close()
}

// Publish emits a change event for ent on the in-process bus. Mutation
// helpers call it after commit; cascade services call it per touched row.
func (m *Mirror) Publish(ent Entity) {
	meta := ent.Meta()
	if err := m.bus.Publish(ChangeEvent{
		Collection:  ent.Collection(),
		BusinessId:  meta.BusinessId,
		WorkspaceId: meta.WorkspaceId,
		EntityId:    meta.ID,
		Deleted:     meta.IsDeleted,
	}); err != nil && m.logger != nil {
		m.logger.WithError(err).Warn("mirror change publish failed")
	}
}

// normalizable lets entity types repair legacy or invariant-violating shapes
// at the mirror read boundary, so union/broken values never reach core logic.
type normalizable interface {
	normalizeRead(*logrus.Logger)
}

// MergeRemote applies one remote record with last-writer-wins semantics: the
// remote version lands only if its updatedAt is >= the local one; ties favor
// the remote because the ledger is the durability authority. Applying the
// same record twice is a no-op state-wise, which keeps duplicate subscription
// events harmless. Returns whether the record was applied.
func MergeRemote[T any, PT interface {
	*T
	Entity
}](m *Mirror, remote PT) (bool, error) {
	meta := remote.Meta()
	if meta.ID == "" {
		return false, utils.Errorf(utils.KindInvalid, "remote record has no id")
	}

	unlock := m.Lock(remote.Collection(), meta.ID)
	defer unlock()

	applied := false
	err := m.db.Transaction(func(tx *gorm.DB) error {
		var local T
		lp := PT(&local)
		err := tx.Where("id = ?", meta.ID).First(&local).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			applied = true
			return tx.Create(remote).Error
		}
		if err != nil {
			return err
		}
		if meta.UpdatedAt >= lp.Meta().UpdatedAt {
			applied = true
			return tx.Save(remote).Error
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		m.Publish(remote)
	}
	return applied, nil
}

// SaveLocal is the write-through local-first upsert behind createX/updateX:
// the mirror row and its coalesced push-queue row commit in one transaction,
// so UI reads see the change immediately and the push can never be lost
// between the two. mustExist distinguishes updateX (NOT_FOUND when the row is
// gone) from createX (idempotent upsert).
func SaveLocal[T any, PT interface {
	*T
	Entity
}](m *Mirror, ctx context.Context, ent PT, mustExist bool) error {
	meta := ent.Meta()
	if meta.BusinessId == "" || meta.WorkspaceId == "" {
		return utils.Errorf(utils.KindInvalid, "entity requires businessId and workspaceId")
	}
	if meta.ID == "" {
		if mustExist {
			return utils.Errorf(utils.KindInvalid, "entity id is required")
		}
		meta.ID = uuid.NewString()
	}

	unlock := m.Lock(ent.Collection(), meta.ID)
	defer unlock()

	actor := utils.ActorFromContext(ctx)
	now := m.clock.NowMillis()

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing T
		ep := PT(&existing)
		err := tx.Where("id = ?", meta.ID).First(&existing).Error
		notFound := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !notFound {
			return err
		}
		if notFound {
			if mustExist {
				return utils.Errorf(utils.KindNotFound, "%s %s not found", ent.Collection(), meta.ID)
			}
			if meta.CreatedAt == 0 {
				meta.CreatedAt = now
			}
			if meta.CreatedBy == "" {
				meta.CreatedBy = actor.DisplayName
			}
		} else {
			em := ep.Meta()
			if em.BusinessId != meta.BusinessId || em.WorkspaceId != meta.WorkspaceId {
				return utils.Errorf(utils.KindInvalid, "workspaceId/businessId are immutable for %s %s", ent.Collection(), meta.ID)
			}
			meta.CreatedAt = em.CreatedAt
			meta.CreatedBy = em.CreatedBy
		}
		meta.UpdatedAt = now
		meta.UpdatedBy = actor.DisplayName
		if err := tx.Save(ent).Error; err != nil {
			return err
		}
		return EnqueuePushTx(tx, ent)
	})
	if err != nil {
		return err
	}
	m.Publish(ent)
	return nil
}

// MutateEntity runs a read-modify-write on one row under its per-id lock:
// load, apply mutate, stamp audit fields, save + enqueue push in one
// transaction. This is the primitive for relative updates (stock quantity)
// where two concurrent writers must not lose each other's change.
func MutateEntity[T any, PT interface {
	*T
	Entity
}](m *Mirror, ctx context.Context, id string, mutate func(PT) error) (PT, error) {
	var zero PT
	if id == "" {
		return zero, utils.Errorf(utils.KindInvalid, "entity id is required")
	}
	var ent T
	p := PT(&ent)
	coll := p.Collection()

	unlock := m.Lock(coll, id)
	defer unlock()

	err := m.db.WithContext(ctx).Where("id = ?", id).First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return zero, utils.Errorf(utils.KindNotFound, "%s %s not found", coll, id)
	}
	if err != nil {
		return zero, err
	}

	meta := p.Meta()
	origBusiness, origWorkspace := meta.BusinessId, meta.WorkspaceId
	if err := mutate(p); err != nil {
		return zero, err
	}
	if meta.BusinessId != origBusiness || meta.WorkspaceId != origWorkspace {
		return zero, utils.Errorf(utils.KindInvalid, "workspaceId/businessId are immutable for %s %s", coll, id)
	}

	actor := utils.ActorFromContext(ctx)
	meta.UpdatedAt = m.clock.NowMillis()
	meta.UpdatedBy = actor.DisplayName

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(p).Error; err != nil {
			return err
		}
		return EnqueuePushTx(tx, p)
	})
	if err != nil {
		return zero, err
	}
	m.Publish(p)
	return p, nil
}

// GetEntity loads one row incl. tombstones; callers check IsDeleted.
func GetEntity[T any, PT interface {
	*T
	Entity
}](m *Mirror, ctx context.Context, id string) (PT, error) {
	var item T
	p := PT(&item)
	err := m.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.Errorf(utils.KindNotFound, "%s %s not found", p.Collection(), id)
	}
	if err != nil {
		return nil, err
	}
	if n, ok := any(p).(normalizable); ok {
		n.normalizeRead(m.logger)
	}
	return p, nil
}

// ListWorkspace returns a workspace's rows for one collection, tombstones
// excluded unless asked for (the trash view asks for them).
func ListWorkspace[T any, PT interface {
	*T
	Entity
}](m *Mirror, ctx context.Context, workspaceId string, includeDeleted bool) ([]T, error) {
	var items []T
	q := m.db.WithContext(ctx).Where("workspace_id = ?", workspaceId)
	if !includeDeleted {
		q = q.Where("is_deleted = ?", false)
	}
	if err := q.Order("updated_at DESC").Find(&items).Error; err != nil {
		return nil, err
	}
	for i := range items {
		if n, ok := any(PT(&items[i])).(normalizable); ok {
			n.normalizeRead(m.logger)
		}
	}
	return items, nil
}

// TombstoneTx marks one entity deleted inside the caller's transaction and
// enqueues its push. Cascade deletes call this per touched row so the whole
// cascade commits or rolls back together.
func TombstoneTx[T any, PT interface {
	*T
	Entity
}](tx *gorm.DB, clock *Clock, ent PT, actorName string) error {
	meta := ent.Meta()
	meta.IsDeleted = true
	meta.UpdatedAt = clock.NowMillis()
	meta.UpdatedBy = actorName
	if err := tx.Save(ent).Error; err != nil {
		return err
	}
	return EnqueuePushTx(tx, ent)
}

// RestoreTx clears a tombstone (trash restore).
func RestoreTx[T any, PT interface {
	*T
	Entity
}](tx *gorm.DB, clock *Clock, ent PT, actorName string) error {
	meta := ent.Meta()
	meta.IsDeleted = false
	meta.UpdatedAt = clock.NowMillis()
	meta.UpdatedBy = actorName
	if err := tx.Save(ent).Error; err != nil {
		return err
	}
	return EnqueuePushTx(tx, ent)
}

// UpsertDeviceLocal mirrors the tenant's device list for UI reads. Presence
// truth lives on the ledger; this copy only feeds the settings page.
func (m *Mirror) UpsertDeviceLocal(rec *DeviceRecord) error {
	return m.db.Save(rec).Error
}

func (m *Mirror) AppendConnectionHistoryLocal(entry *ConnectionHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return m.db.Create(entry).Error
}

func (m *Mirror) ListDevicesLocal(businessId string) ([]DeviceRecord, error) {
	var devices []DeviceRecord
	err := m.db.Where("business_id = ?", businessId).Order("last_seen DESC").Find(&devices).Error
	return devices, err
}
