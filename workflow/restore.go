package workflow

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/gestiodev/gestion_backend/models"
	"bitbucket.org/gestiodev/gestion_backend/utils"
)

// RestoreEntity clears a tombstone from the trash view and re-applies the
// financial effect the deletion reversed, as a second signed adjustment with
// opposite sign. Cascaded dependents are not restored automatically: the
// trash view restores row by row, matching what the user sees.
func (s *DeletionService) RestoreEntity(ctx context.Context, coll models.Collection, id string) (*DeleteResult, error) {
	switch coll {
	case models.CollectionClients:
		return restoreSimple[models.Client](s, ctx, coll, id,
			func(c *models.Client) (decimal.Decimal, string) {
				return decimal.Zero, fmt.Sprintf("Restauration du client %q", c.Name)
			})
	case models.CollectionReservations:
		return restoreSimple[models.Reservation](s, ctx, coll, id,
			func(r *models.Reservation) (decimal.Decimal, string) {
				return r.AmountPaid, "Restauration d'une réservation"
			})
	case models.CollectionStockItems:
		return restoreSimple[models.StockItem](s, ctx, coll, id,
			func(i *models.StockItem) (decimal.Decimal, string) {
				return decimal.Zero, fmt.Sprintf("Restauration de l'article %q", i.Name)
			})
	case models.CollectionExpenses:
		return restoreSimple[models.Expense](s, ctx, coll, id,
			func(e *models.Expense) (decimal.Decimal, string) {
				return e.Amount.Neg(), fmt.Sprintf("Restauration de la dépense %q", e.Label)
			})
	case models.CollectionQuickIncomes:
		return restoreSimple[models.QuickIncome](s, ctx, coll, id,
			func(q *models.QuickIncome) (decimal.Decimal, string) {
				return q.Amount, fmt.Sprintf("Restauration du revenu %q", q.Label)
			})
	case models.CollectionInvestments:
		return restoreSimple[models.Investment](s, ctx, coll, id,
			func(i *models.Investment) (decimal.Decimal, string) {
				return i.InitialAmount.Neg(), fmt.Sprintf("Restauration de l'investissement %q", i.Label)
			})
	case models.CollectionPlanningItems:
		return restoreSimple[models.PlanningItem](s, ctx, coll, id,
			func(p *models.PlanningItem) (decimal.Decimal, string) {
				return decimal.Zero, fmt.Sprintf("Restauration de la tâche %q", p.Title)
			})
	default:
		return nil, utils.Errorf(utils.KindInvalid, "collection %s cannot be restored", coll)
	}
}

func restoreSimple[T any, PT interface {
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
	if !meta.IsDeleted {
		return nil, utils.Errorf(utils.KindInvalid, "%s %s is not deleted", coll, id)
	}

	actor := utils.ActorFromContext(ctx)
	clock := s.Mirror.Clock()
	adjustment, description := adjust(ent)

	err = s.Mirror.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.RestoreTx(tx, clock, ent, actor.DisplayName); err != nil {
			return err
		}
		return models.CreateActivityTx(tx, clock, &models.ActivityLogEntry{
			SyncMeta: models.SyncMeta{
				BusinessId:  meta.BusinessId,
				WorkspaceId: meta.WorkspaceId,
				CreatedBy:   actor.DisplayName,
			},
			Action:      "restore",
			EntityType:  string(coll),
			EntityId:    meta.ID,
			Description: description,
			Changes: models.FieldChanges{
				{Field: "isDeleted", Before: true, After: false},
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
