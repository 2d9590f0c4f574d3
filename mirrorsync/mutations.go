package mirrorsync

import (
	"context"

	"github.com/google/uuid"

	"bitbucket.org/gestiodev/gestion_backend/models"
	"bitbucket.org/gestiodev/gestion_backend/utils"
)

// CreateEntity is the write-through create: validate keys, upsert the mirror
// synchronously (UI reads see it before any network round-trip), enqueue the
// coalesced push in the same transaction, then nudge the dispatcher.
func CreateEntity[T any, PT interface {
	*T
	models.Entity
}](e *Engine, ctx context.Context, ent PT) error {
	meta := ent.Meta()
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if err := e.validate.Struct(ent); err != nil {
		return utils.WrapKind(utils.KindInvalid, err)
	}
	if err := models.SaveLocal[T, PT](e.mirror, ctx, ent, false); err != nil {
		return err
	}
	e.dispatcher.Notify()
	return nil
}

// UpdateEntity is the write-through update; NOT_FOUND when the row is gone.
func UpdateEntity[T any, PT interface {
	*T
	models.Entity
}](e *Engine, ctx context.Context, ent PT) error {
	if err := e.validate.Struct(ent); err != nil {
		return utils.WrapKind(utils.KindInvalid, err)
	}
	if err := models.SaveLocal[T, PT](e.mirror, ctx, ent, true); err != nil {
		return err
	}
	e.dispatcher.Notify()
	return nil
}

// Per-entity wrappers: the surface the dashboard pages call.

func (e *Engine) CreateClient(ctx context.Context, c *models.Client) error {
	return CreateEntity[models.Client](e, ctx, c)
}

func (e *Engine) UpdateClient(ctx context.Context, c *models.Client) error {
	return UpdateEntity[models.Client](e, ctx, c)
}

func (e *Engine) CreateReservation(ctx context.Context, r *models.Reservation) error {
	return CreateEntity[models.Reservation](e, ctx, r)
}

func (e *Engine) UpdateReservation(ctx context.Context, r *models.Reservation) error {
	return UpdateEntity[models.Reservation](e, ctx, r)
}

func (e *Engine) CreateStockItem(ctx context.Context, s *models.StockItem) error {
	return CreateEntity[models.StockItem](e, ctx, s)
}

func (e *Engine) UpdateStockItem(ctx context.Context, s *models.StockItem) error {
	return UpdateEntity[models.StockItem](e, ctx, s)
}

// AdjustStockQuantity applies a relative quantity change (sale, manual
// adjustment) under the item's per-id lock, so two concurrent adjustments
// cannot lose updates.
func (e *Engine) AdjustStockQuantity(ctx context.Context, id string, delta int) (*models.StockItem, error) {
	item, err := models.MutateEntity[models.StockItem](e.mirror, ctx, id, func(s *models.StockItem) error {
		if s.IsDeleted {
			return utils.Errorf(utils.KindNotFound, "stock item %s is deleted", id)
		}
		s.CurrentQuantity += delta
		if s.CurrentQuantity < 0 {
			s.CurrentQuantity = 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.dispatcher.Notify()
	return item, nil
}

func (e *Engine) CreateExpense(ctx context.Context, ex *models.Expense) error {
	return CreateEntity[models.Expense](e, ctx, ex)
}

func (e *Engine) UpdateExpense(ctx context.Context, ex *models.Expense) error {
	return UpdateEntity[models.Expense](e, ctx, ex)
}

func (e *Engine) CreateQuickIncome(ctx context.Context, q *models.QuickIncome) error {
	return CreateEntity[models.QuickIncome](e, ctx, q)
}

func (e *Engine) UpdateQuickIncome(ctx context.Context, q *models.QuickIncome) error {
	return UpdateEntity[models.QuickIncome](e, ctx, q)
}

func (e *Engine) CreateInvestment(ctx context.Context, inv *models.Investment) error {
	return CreateEntity[models.Investment](e, ctx, inv)
}

func (e *Engine) UpdateInvestment(ctx context.Context, inv *models.Investment) error {
	return UpdateEntity[models.Investment](e, ctx, inv)
}

func (e *Engine) CreatePlanningItem(ctx context.Context, p *models.PlanningItem) error {
	return CreateEntity[models.PlanningItem](e, ctx, p)
}

func (e *Engine) UpdatePlanningItem(ctx context.Context, p *models.PlanningItem) error {
	return UpdateEntity[models.PlanningItem](e, ctx, p)
}
