// Package workflow implements the two-phase deletion service: a pure-read
// preview of what a deletion would reverse, then a cascading soft-delete that
// applies the reversal atomically in the local mirror. Deletions have
// financial side effects (treasury balance, stock quantities), so the user
// sees the numbers before anything is committed.
package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/gestiodev/gestion_backend/models"
	"bitbucket.org/gestiodev/gestion_backend/utils"
)

type DeletionService struct {
	Mirror *models.Mirror
	Logger *logrus.Logger
	// Notify wakes the push dispatcher after a committed cascade. Optional.
	Notify func()
}

func NewDeletionService(mirror *models.Mirror, logger *logrus.Logger, notify func()) *DeletionService {
	return &DeletionService{Mirror: mirror, Logger: logger, Notify: notify}
}

// Calculations carries the signed treasury correction implied by a deletion:
// positive means money flows back into the treasury total, negative means
// previously-recorded income is withdrawn.
type Calculations struct {
	TreasuryAdjustment decimal.Decimal `json:"treasuryAdjustment"`
}

type DeleteResult struct {
	Success      bool         `json:"success"`
	Calculations Calculations `json:"calculations"`
}

func (s *DeletionService) notify() {
	if s.Notify != nil {
		s.Notify()
	}
}

// ClientDeletionPreview sums what deleting a client would reverse. Pure read:
// nothing is mutated, and the caller must not treat the numbers as a
// reservation of any kind since the commit path recomputes.
type ClientDeletionPreview struct {
	Client            *models.Client  `json:"client"`
	ReservationsCount int             `json:"reservationsCount"`
	QuickIncomesCount int             `json:"quickIncomesCount"`
	TotalPayments     decimal.Decimal `json:"totalPayments"`
}

func (s *DeletionService) GetClientDeletionPreview(ctx context.Context, id string) (*ClientDeletionPreview, error) {
	client, err := models.GetEntity[models.Client](s.Mirror, ctx, id)
	if err != nil {
		return nil, err
	}
	if client.IsDeleted {
		return nil, utils.Errorf(utils.KindNotFound, "client %s already deleted", id)
	}

	db := s.Mirror.DB().WithContext(ctx)
	reservations, quickIncomes, err := clientDependents(db, id)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for i := range reservations {
		total = total.Add(reservations[i].AmountPaid)
	}
	for i := range quickIncomes {
		total = total.Add(quickIncomes[i].Amount)
	}
	return &ClientDeletionPreview{
		Client:            client,
		ReservationsCount: len(reservations),
		QuickIncomesCount: len(quickIncomes),
		TotalPayments:     total,
	}, nil
}

// DeleteClient tombstones the client and every non-deleted reservation and
// quick income attached to it, withdrawing their recorded payments from the
// treasury. Recomputes from current state: the preview the user saw may be
// stale by the time they confirm.
func (s *DeletionService) DeleteClient(ctx context.Context, id string) (*DeleteResult, error) {
	unlock := s.Mirror.Lock(models.CollectionClients, id)
	defer unlock()

	client, err := models.GetEntity[models.Client](s.Mirror, ctx, id)
	if err != nil {
		return nil, err
	}
	if client.IsDeleted {
		return nil, utils.Errorf(utils.KindNotFound, "client %s already deleted", id)
	}

	unlockDeps, err := s.lockClientDependents(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlockDeps()

	actor := utils.ActorFromContext(ctx)
	clock := s.Mirror.Clock()
	adjustment := decimal.Zero
	var touched []models.Entity

	err = s.Mirror.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservations, quickIncomes, err := clientDependents(tx, id)
		if err != nil {
			return err
		}

		for i := range reservations {
			adjustment = adjustment.Sub(reservations[i].AmountPaid)
			if err := models.TombstoneTx(tx, clock, &reservations[i], actor.DisplayName); err != nil {
				return err
			}
			touched = append(touched, &reservations[i])
		}
		for i := range quickIncomes {
			adjustment = adjustment.Sub(quickIncomes[i].Amount)
			if err := models.TombstoneTx(tx, clock, &quickIncomes[i], actor.DisplayName); err != nil {
				return err
			}
			touched = append(touched, &quickIncomes[i])
		}
		if err := models.TombstoneTx(tx, clock, client, actor.DisplayName); err != nil {
			return err
		}
		touched = append(touched, client)

		return models.CreateActivityTx(tx, clock, &models.ActivityLogEntry{
			SyncMeta: models.SyncMeta{
				BusinessId:  client.BusinessId,
				WorkspaceId: client.WorkspaceId,
				CreatedBy:   actor.DisplayName,
			},
			Action:     "delete",
			EntityType: string(models.CollectionClients),
			EntityId:   client.ID,
			Description: fmt.Sprintf("Suppression du client %q (%d réservations, %d revenus)",
				client.Name, len(reservations), len(quickIncomes)),
			Changes: models.FieldChanges{
				{Field: "isDeleted", Before: false, After: true},
			},
			TreasuryAdjustment: adjustment,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publishAll(touched)
	s.notify()
	return &DeleteResult{Success: true, Calculations: Calculations{TreasuryAdjustment: adjustment}}, nil
}

// lockClientDependents takes the per-id locks of the client's live
// reservations and quick incomes, re-reading until the set is stable so a
// dependent created mid-acquisition still gets its lock before the cascade
// tombstones it. Missing ids are acquired in sorted order.
func (s *DeletionService) lockClientDependents(ctx context.Context, clientId string) (func(), error) {
	db := s.Mirror.DB().WithContext(ctx)
	held := map[string]func(){}
	release := func() {
		for _, unlock := range held {
			unlock()
		}
	}

	type dep struct {
		coll models.Collection
		id   string
	}
	for {
		reservations, quickIncomes, err := clientDependents(db, clientId)
		if err != nil {
			release()
			return nil, err
		}
		var missing []dep
		for i := range reservations {
			if _, ok := held[string(models.CollectionReservations)+"/"+reservations[i].ID]; !ok {
				missing = append(missing, dep{models.CollectionReservations, reservations[i].ID})
			}
		}
		for i := range quickIncomes {
			if _, ok := held[string(models.CollectionQuickIncomes)+"/"+quickIncomes[i].ID]; !ok {
				missing = append(missing, dep{models.CollectionQuickIncomes, quickIncomes[i].ID})
			}
		}
		if len(missing) == 0 {
			return release, nil
		}
		sort.Slice(missing, func(i, j int) bool {
			if missing[i].coll != missing[j].coll {
				return missing[i].coll < missing[j].coll
			}
			return missing[i].id < missing[j].id
		})
		for _, d := range missing {
			held[string(d.coll)+"/"+d.id] = s.Mirror.Lock(d.coll, d.id)
		}
	}
}

func clientDependents(db *gorm.DB, clientId string) ([]models.Reservation, []models.QuickIncome, error) {
	var reservations []models.Reservation
	if err := db.Where("client_id = ? AND is_deleted = ?", clientId, false).Find(&reservations).Error; err != nil {
		return nil, nil, err
	}
	var quickIncomes []models.QuickIncome
	if err := db.Where("client_id = ? AND is_deleted = ?", clientId, false).Find(&quickIncomes).Error; err != nil {
		return nil, nil, err
	}
	return reservations, quickIncomes, nil
}

type StockItemDeletionPreview struct {
	StockItem         *models.StockItem `json:"stockItem"`
	ReservationsCount int               `json:"reservationsCount"`
}

func (s *DeletionService) GetStockItemDeletionPreview(ctx context.Context, id string) (*StockItemDeletionPreview, error) {
	item, err := models.GetEntity[models.StockItem](s.Mirror, ctx, id)
	if err != nil {
		return nil, err
	}
	if item.IsDeleted {
		return nil, utils.Errorf(utils.KindNotFound, "stock item %s already deleted", id)
	}
	n, err := activeReservationsOnStock(s.Mirror.DB().WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	return &StockItemDeletionPreview{StockItem: item, ReservationsCount: n}, nil
}

// DeleteStockItem refuses to delete an item still referenced by an active
// reservation: silently orphaning a reservation would corrupt the planning
// views. No treasury adjustment; stock value is not treasury.
func (s *DeletionService) DeleteStockItem(ctx context.Context, id string) (*DeleteResult, error) {
	unlock := s.Mirror.Lock(models.CollectionStockItems, id)
	defer unlock()

	item, err := models.GetEntity[models.StockItem](s.Mirror, ctx, id)
	if err != nil {
		return nil, err
	}
	if item.IsDeleted {
		return nil, utils.Errorf(utils.KindNotFound, "stock item %s already deleted", id)
	}

	actor := utils.ActorFromContext(ctx)
	clock := s.Mirror.Clock()

	err = s.Mirror.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := activeReservationsOnStock(tx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return utils.Errorf(utils.KindConflict,
				"stock item %q is referenced by %d active reservation(s)", item.Name, n)
		}
		if err := models.TombstoneTx(tx, clock, item, actor.DisplayName); err != nil {
			return err
		}
		return models.CreateActivityTx(tx, clock, &models.ActivityLogEntry{
			SyncMeta: models.SyncMeta{
				BusinessId:  item.BusinessId,
				WorkspaceId: item.WorkspaceId,
				CreatedBy:   actor.DisplayName,
			},
			Action:      "delete",
			EntityType:  string(models.CollectionStockItems),
			EntityId:    item.ID,
			Description: fmt.Sprintf("Suppression de l'article %q", item.Name),
			Changes: models.FieldChanges{
				{Field: "isDeleted", Before: false, After: true},
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.publishAll([]models.Entity{item})
	s.notify()
	return &DeleteResult{Success: true}, nil
}

func activeReservationsOnStock(db *gorm.DB, stockItemId string) (int, error) {
	var n int64
	err := db.Model(&models.Reservation{}).
		Where("stock_item_id = ? AND is_deleted = ? AND status <> ?",
			stockItemId, false, models.ReservationStatusCancelled).
		Count(&n).Error
	return int(n), err
}

// DeleteReservation withdraws the recorded payment and returns the reserved
// quantity to stock inside the same transaction.
func (s *DeletionService) DeleteReservation(ctx context.Context, id string) (*DeleteResult, error) {
	unlock := s.Mirror.Lock(models.CollectionReservations, id)
	defer unlock()

	res, err := models.GetEntity[models.Reservation](s.Mirror, ctx, id)
	if err != nil {
		return nil, err
	}
	if res.IsDeleted {
		return nil, utils.Errorf(utils.KindNotFound, "reservation %s already deleted", id)
	}

	actor := utils.ActorFromContext(ctx)
	clock := s.Mirror.Clock()
	adjustment := res.AmountPaid.Neg()
	var touched []models.Entity

	if res.Active() && res.StockItemId != "" {
		unlockStock := s.Mirror.Lock(models.CollectionStockItems, res.StockItemId)
		defer unlockStock()
	}

	err = s.Mirror.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if res.Active() && res.StockItemId != "" && res.Quantity > 0 {
			var item models.StockItem
			if err := tx.Where("id = ?", res.StockItemId).First(&item).Error; err != nil {
				return fmt.Errorf("restore stock for reservation %s: %w", id, err)
			}
			item.CurrentQuantity += res.Quantity
			item.UpdatedAt = clock.NowMillis()
			item.UpdatedBy = actor.DisplayName
			if err := tx.Save(&item).Error; err != nil {
				return err
			}
			if err := models.EnqueuePushTx(tx, &item); err != nil {
				return err
			}
			touched = append(touched, &item)
		}

		if err := models.TombstoneTx(tx, clock, res, actor.DisplayName); err != nil {
			return err
		}
		touched = append(touched, res)

		return models.CreateActivityTx(tx, clock, &models.ActivityLogEntry{
			SyncMeta: models.SyncMeta{
				BusinessId:  res.BusinessId,
				WorkspaceId: res.WorkspaceId,
				CreatedBy:   actor.DisplayName,
			},
			Action:      "delete",
			EntityType:  string(models.CollectionReservations),
			EntityId:    res.ID,
			Description: "Suppression d'une réservation",
			Changes: models.FieldChanges{
				{Field: "isDeleted", Before: false, After: true},
			},
			TreasuryAdjustment: adjustment,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publishAll(touched)
	s.notify()
	return &DeleteResult{Success: true, Calculations: Calculations{TreasuryAdjustment: adjustment}}, nil
}

// DeleteExpense returns the spent amount to the treasury.
func (s *DeletionService) DeleteExpense(ctx context.Context, id string) (*DeleteResult, error) {
	return deleteSimple[models.Expense](s, ctx, models.CollectionExpenses, id,
		func(e *models.Expense) (decimal.Decimal, string) {
			return e.Amount, fmt.Sprintf("Suppression de la dépense %q", e.Label)
		})
}

// DeleteInvestment returns the invested amount to the treasury.
func (s *DeletionService) DeleteInvestment(ctx context.Context, id string) (*DeleteResult, error) {
	return deleteSimple[models.Investment](s, ctx, models.CollectionInvestments, id,
		func(i *models.Investment) (decimal.Decimal, string) {
			return i.InitialAmount, fmt.Sprintf("Suppression de l'investissement %q", i.Label)
		})
}

// DeleteQuickIncome withdraws the recorded income from the treasury.
func (s *DeletionService) DeleteQuickIncome(ctx context.Context, id string) (*DeleteResult, error) {
	return deleteSimple[models.QuickIncome](s, ctx, models.CollectionQuickIncomes, id,
		func(q *models.QuickIncome) (decimal.Decimal, string) {
			return q.Amount.Neg(), fmt.Sprintf("Suppression du revenu %q", q.Label)
		})
}

// DeletePlanningItem has no financial effect.
func (s *DeletionService) DeletePlanningItem(ctx context.Context, id string) (*DeleteResult, error) {
	return deleteSimple[models.PlanningItem](s, ctx, models.CollectionPlanningItems, id,
		func(p *models.PlanningItem) (decimal.Decimal, string) {
			return decimal.Zero, fmt.Sprintf("Suppression de la tâche %q", p.Title)
		})
}

// deleteSimple covers entities with no dependents: tombstone plus one audit
// entry carrying the adjustment computed by adjust.
func deleteSimple[T any, PT interface {
	*T
	models.Entity
}](s *DeletionService, ctx context.Context, coll models.Collection, id string,
	adjust func(PT) (decimal.Decimal, string)) (*DeleteResult, error) {

	unlock := s.Mirror.Lock(coll, id)
	defer unlock()

	ent, err := models.GetEntity[T, PT](s.Mirror, ctx, id)
	if err != nil {
		return nil, err
	}
	meta := ent.Meta()
	if meta.IsDeleted {
		return nil, utils.Errorf(utils.KindNotFound, "%s %s already deleted", coll, id)
	}

	actor := utils.ActorFromContext(ctx)
	clock := s.Mirror.Clock()
	adjustment, description := adjust(ent)

	err = s.Mirror.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.TombstoneTx(tx, clock, ent, actor.DisplayName); err != nil {
			return err
		}
		return models.CreateActivityTx(tx, clock, &models.ActivityLogEntry{
			SyncMeta: models.SyncMeta{
				BusinessId:  meta.BusinessId,
				WorkspaceId: meta.WorkspaceId,
				CreatedBy:   actor.DisplayName,
			},
			Action:      "delete",
			EntityType:  string(coll),
			EntityId:    meta.ID,
			Description: description,
			Changes: models.FieldChanges{
				{Field: "isDeleted", Before: false, After: true},
			},
			TreasuryAdjustment: adjustment,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publishAll([]models.Entity{ent})
	s.notify()
	return &DeleteResult{Success: true, Calculations: Calculations{TreasuryAdjustment: adjustment}}, nil
}

func (s *DeletionService) publishAll(ents []models.Entity) {
	for _, ent := range ents {
		s.Mirror.Publish(ent)
	}
}
