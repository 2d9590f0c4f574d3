package mirrorsync

import (
	"context"
	"encoding/json"

	"bitbucket.org/gestiodev/gestion_backend/ledger"
	"bitbucket.org/gestiodev/gestion_backend/models"
	"bitbucket.org/gestiodev/gestion_backend/utils"
)

type applyFunc func(*models.Mirror, ledger.Record) (bool, error)

// One decoder per collection; adding an entity type means adding a line here
// and in models.SyncCollections.
var appliers = map[models.Collection]applyFunc{
	models.CollectionClients:       mergeRecord[models.Client, *models.Client],
	models.CollectionReservations:  mergeRecord[models.Reservation, *models.Reservation],
	models.CollectionStockItems:    mergeRecord[models.StockItem, *models.StockItem],
	models.CollectionExpenses:      mergeRecord[models.Expense, *models.Expense],
	models.CollectionQuickIncomes:  mergeRecord[models.QuickIncome, *models.QuickIncome],
	models.CollectionInvestments:   mergeRecord[models.Investment, *models.Investment],
	models.CollectionPlanningItems: mergeRecord[models.PlanningItem, *models.PlanningItem],
	models.CollectionActivityLogs:  mergeRecord[models.ActivityLogEntry, *models.ActivityLogEntry],
}

// applyRemote merges one remote record into the mirror. Returns whether the
// record won the last-writer-wins comparison.
func (e *Engine) applyRemote(coll models.Collection, rec ledger.Record) (bool, error) {
	fn, ok := appliers[coll]
	if !ok {
		return false, utils.Errorf(utils.KindInvalid, "unknown collection %q", coll)
	}
	return fn(e.mirror, rec)
}

func mergeRecord[T any, PT interface {
	*T
	models.Entity
}](m *models.Mirror, rec ledger.Record) (bool, error) {
	if len(rec.Data) == 0 {
		if rec.Deleted {
			return tombstoneLocal[T, PT](m, rec)
		}
		return false, utils.Errorf(utils.KindInvalid, "remote record %s has no payload", rec.ID)
	}

	var ent T
	p := PT(&ent)
	if err := json.Unmarshal(rec.Data, p); err != nil {
		return false, utils.WrapKind(utils.KindInvalid, err)
	}
	meta := p.Meta()
	if meta.ID == "" {
		meta.ID = rec.ID
	}
	if rec.UpdatedAt > meta.UpdatedAt {
		meta.UpdatedAt = rec.UpdatedAt
	}
	if rec.Deleted {
		meta.IsDeleted = true
	}
	return models.MergeRemote[T, PT](m, p)
}

// tombstoneLocal handles a payload-less hard remove flowing through the
// change stream: the local copy (if any) becomes a tombstone.
func tombstoneLocal[T any, PT interface {
	*T
	models.Entity
}](m *models.Mirror, rec ledger.Record) (bool, error) {
	existing, err := models.GetEntity[T, PT](m, context.Background(), rec.ID)
	if err != nil {
		if utils.IsKind(err, utils.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	meta := existing.Meta()
	meta.IsDeleted = true
	if rec.UpdatedAt > meta.UpdatedAt {
		meta.UpdatedAt = rec.UpdatedAt
	}
	return models.MergeRemote[T, PT](m, existing)
}
