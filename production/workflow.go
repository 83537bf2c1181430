/*
workflow.go - Production order lifecycle

The workflow owns every status transition. Transitions revalidate the
persisted status at execution time, so a stale client cannot start an
order that another device already cancelled.
*/
package production

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Mokksdz/manchengo/core"
	"github.com/Mokksdz/manchengo/stock"
)

// Workflow drives orders through their lifecycle. MP draws go through
// the FIFO engine; the PF output lot goes through the registry.
type Workflow struct {
	store    Store
	recipes  RecipeSource
	engine   *stock.Engine
	ledger   *stock.Ledger
	registry *stock.Registry
	events   stock.EventSink
	log      zerolog.Logger
}

func NewWorkflow(store Store, recipes RecipeSource, engine *stock.Engine, ledger *stock.Ledger, registry *stock.Registry, events stock.EventSink, log zerolog.Logger) *Workflow {
	return &Workflow{
		store:    store,
		recipes:  recipes,
		engine:   engine,
		ledger:   ledger,
		registry: registry,
		events:   events,
		log:      log.With().Str("component", "production.workflow").Logger(),
	}
}

// ===== CREATE =====

type CreateOrder struct {
	ProductPFID   string
	BatchCount    int
	ScheduledDate *time.Time
	Note          string
}

// Create opens a PENDING order for a PF product. The active recipe for
// the product sets the target: output quantity per batch times the
// batch count. No stock moves yet.
func (w *Workflow) Create(ctx context.Context, req CreateOrder, userID string) (*Order, error) {
	if req.BatchCount <= 0 {
		return nil, core.BusinessRule("batch count must be positive, got %d", req.BatchCount)
	}
	recipe, err := w.recipes.ActiveRecipe(ctx, req.ProductPFID)
	if err != nil {
		return nil, err
	}
	if recipe == nil {
		return nil, &core.NotFoundError{EntityType: "Recipe", ID: req.ProductPFID}
	}
	if len(recipe.Lines) == 0 {
		return nil, core.BusinessRule("recipe %s has no lines", recipe.Name)
	}
	if !recipe.OutputQuantity.IsPositive() {
		return nil, core.BusinessRule("recipe %s has no output quantity", recipe.Name)
	}

	now := time.Now().UTC()
	seq, err := w.store.NextSequence(ctx, "PROD", now)
	if err != nil {
		return nil, err
	}
	order := Order{
		ID:             core.NewID(),
		Reference:      fmt.Sprintf("PROD-%s-%03d", now.Format("20060102"), seq),
		RecipeID:       recipe.ID,
		ProductPFID:    recipe.ProductPFID,
		BatchCount:     req.BatchCount,
		TargetQuantity: recipe.OutputQuantity.Mul(decimal.NewFromInt(int64(req.BatchCount))),
		ScheduledDate:  req.ScheduledDate,
		Status:         StatusPending,
		Note:           req.Note,
		CreatedBy:      userID,
		CreatedAt:      now,
	}
	if err := w.store.InsertOrder(ctx, order); err != nil {
		return nil, err
	}
	if w.events != nil {
		err := w.events.Emit(ctx, "ProductionOrder", order.ID, "ProductionOrderCreated", map[string]any{
			"order_id":        order.ID,
			"reference":       order.Reference,
			"recipe_id":       recipe.ID,
			"batch_count":     req.BatchCount,
			"target_quantity": order.TargetQuantity,
		}, userID)
		if err != nil {
			return nil, err
		}
	}

	w.log.Info().Str("order_id", order.ID).Str("reference", order.Reference).Msg("production order created")
	return &order, nil
}

// ===== AVAILABILITY =====

// LineAvailability is the FIFO preview for one recipe line scaled to
// the order target.
type LineAvailability struct {
	ProductMPID string                 `json:"product_mp_id"`
	ProductName string                 `json:"product_name,omitempty"`
	Required    decimal.Decimal        `json:"required"`
	Available   decimal.Decimal        `json:"available"`
	CanFulfill  bool                   `json:"can_fulfill"`
	Shortage    decimal.Decimal        `json:"shortage"`
	Lots        []stock.FifoLotPreview `json:"lots,omitempty"`
}

type Availability struct {
	OrderID  string             `json:"order_id"`
	CanStart bool               `json:"can_start"`
	Lines    []LineAvailability `json:"lines"`
}

// CheckAvailability previews MP coverage for every recipe line of an
// existing order without moving stock.
func (w *Workflow) CheckAvailability(ctx context.Context, orderID string) (*Availability, error) {
	order, err := w.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, &core.NotFoundError{EntityType: "ProductionOrder", ID: orderID}
	}
	recipe, err := w.recipes.GetRecipe(ctx, order.RecipeID)
	if err != nil {
		return nil, err
	}
	if recipe == nil {
		return nil, &core.NotFoundError{EntityType: "Recipe", ID: order.RecipeID}
	}

	result := &Availability{OrderID: orderID}
	result.CanStart, result.Lines, err = w.previewLines(ctx, recipe, order.BatchCount)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PreviewAvailability previews MP coverage for a prospective order
// before it exists: the product's active recipe scaled to batchCount.
func (w *Workflow) PreviewAvailability(ctx context.Context, productPFID string, batchCount int) (*Availability, error) {
	if batchCount <= 0 {
		return nil, core.BusinessRule("batch count must be positive, got %d", batchCount)
	}
	recipe, err := w.recipes.ActiveRecipe(ctx, productPFID)
	if err != nil {
		return nil, err
	}
	if recipe == nil {
		return nil, &core.NotFoundError{EntityType: "Recipe", ID: productPFID}
	}

	result := &Availability{}
	result.CanStart, result.Lines, err = w.previewLines(ctx, recipe, batchCount)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (w *Workflow) previewLines(ctx context.Context, recipe *Recipe, batchCount int) (bool, []LineAvailability, error) {
	canStart := true
	var lines []LineAvailability
	for _, req := range recipe.Requirements(batchCount) {
		preview, err := w.engine.Preview(ctx, stock.ProductMP, req.ProductMPID, req.Quantity)
		if err != nil {
			return false, nil, err
		}
		line := LineAvailability{
			ProductMPID: req.ProductMPID,
			ProductName: req.ProductName,
			Required:    req.Quantity,
			Available:   preview.AvailableQuantity,
			CanFulfill:  preview.CanFulfill,
			Shortage:    preview.Shortage,
			Lots:        preview.Lots,
		}
		if !line.CanFulfill {
			canStart = false
		}
		lines = append(lines, line)
	}
	return canStart, lines, nil
}

// ===== START =====

// Start moves PENDING -> IN_PROGRESS, consuming every recipe line FIFO.
// Availability is verified for all lines before the first draw, so a
// mid-flight shortage surfaces before any stock moves.
func (w *Workflow) Start(ctx context.Context, orderID, userID string) (*Order, error) {
	order, err := w.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, &core.NotFoundError{EntityType: "ProductionOrder", ID: orderID}
	}
	if !CanTransition(order.Status, StatusInProgress) {
		return nil, &core.InvalidStateTransitionError{Entity: "ProductionOrder", From: string(order.Status), To: string(StatusInProgress)}
	}

	avail, err := w.CheckAvailability(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, line := range avail.Lines {
		if !line.CanFulfill {
			return nil, &core.InsufficientStockError{
				Product:   line.ProductMPID,
				Required:  line.Required,
				Available: line.Available,
			}
		}
	}

	// All lines draw inside one transaction: a shortage that slipped in
	// after the availability check rolls everything back.
	reqs := make([]stock.ConsumeRequest, 0, len(avail.Lines))
	for _, line := range avail.Lines {
		reqs = append(reqs, stock.ConsumeRequest{
			ProductType:   stock.ProductMP,
			ProductID:     line.ProductMPID,
			Quantity:      line.Required,
			Origin:        stock.OriginProductionOut,
			ReferenceType: stock.RefProductionOrder,
			ReferenceID:   orderID,
			UserID:        userID,
		})
	}
	results, err := w.engine.ConsumeAll(ctx, reqs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for i, res := range results {
		for _, c := range res.Consumptions {
			cons := Consumption{
				ID:          core.NewID(),
				OrderID:     orderID,
				ProductMPID: avail.Lines[i].ProductMPID,
				LotID:       c.LotID,
				Quantity:    c.QuantityConsumed,
				UnitCost:    c.UnitCost,
				CreatedAt:   now,
			}
			if err := w.store.InsertConsumption(ctx, cons); err != nil {
				return nil, err
			}
		}
	}

	order.Status = StatusInProgress
	order.StartedAt = &now
	if err := w.store.UpdateOrder(ctx, *order); err != nil {
		return nil, err
	}
	if w.events != nil {
		err := w.events.Emit(ctx, "ProductionOrder", order.ID, "ProductionStarted", map[string]any{
			"order_id": order.ID, "reference": order.Reference,
		}, userID)
		if err != nil {
			return nil, err
		}
	}

	w.log.Info().Str("order_id", order.ID).Msg("production started")
	return order, nil
}

// ===== COMPLETE =====

// Complete moves IN_PROGRESS -> COMPLETED: creates the PF output lot,
// records its IN movement and stamps the produced quantity. PF unit
// cost is total MP cost drawn for the order divided by produced units.
func (w *Workflow) Complete(ctx context.Context, orderID string, producedQty decimal.Decimal, userID string) (*Order, error) {
	if !producedQty.IsPositive() {
		return nil, core.BusinessRule("produced quantity must be positive")
	}
	order, err := w.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, &core.NotFoundError{EntityType: "ProductionOrder", ID: orderID}
	}
	if !CanTransition(order.Status, StatusCompleted) {
		return nil, &core.InvalidStateTransitionError{Entity: "ProductionOrder", From: string(order.Status), To: string(StatusCompleted)}
	}
	recipe, err := w.recipes.GetRecipe(ctx, order.RecipeID)
	if err != nil {
		return nil, err
	}
	if recipe == nil {
		return nil, &core.NotFoundError{EntityType: "Recipe", ID: order.RecipeID}
	}

	consumptions, err := w.store.ListConsumptions(ctx, orderID)
	if err != nil {
		return nil, err
	}
	totalCost := decimal.Zero
	for _, c := range consumptions {
		totalCost = totalCost.Add(decimal.NewFromInt(c.UnitCost.Centimes()).Mul(c.Quantity))
	}
	unitCost := core.Money(totalCost.Div(producedQty).IntPart())

	now := time.Now().UTC()
	seq, err := w.store.NextSequence(ctx, "PF", now)
	if err != nil {
		return nil, err
	}
	lotNumber := fmt.Sprintf("PF-%s-%03d", now.Format("20060102"), seq)
	var expiry *time.Time
	if recipe.ShelfLifeDays > 0 {
		e := now.AddDate(0, 0, recipe.ShelfLifeDays)
		expiry = &e
	}

	lotID, err := w.registry.Create(ctx, stock.Lot{
		LotNumber:         lotNumber,
		ProductType:       stock.ProductPF,
		ProductID:         order.ProductPFID,
		ProductionOrderID: orderID,
		QuantityInitial:   producedQty,
		UnitCost:          unitCost,
		ReceptionDate:     now,
		ExpiryDate:        expiry,
		CreatedBy:         userID,
	})
	if err != nil {
		return nil, err
	}

	err = w.ledger.Record(ctx, stock.Movement{
		ID:             core.NewID(),
		Type:           stock.MovementIn,
		ProductType:    stock.ProductPF,
		ProductID:      order.ProductPFID,
		LotID:          lotID,
		Quantity:       producedQty,
		UnitCost:       &unitCost,
		Origin:         stock.OriginProductionIn,
		ReferenceType:  stock.RefProductionOrder,
		ReferenceID:    orderID,
		UserID:         userID,
		IdempotencyKey: fmt.Sprintf("PROD-IN-%s", orderID),
		CreatedAt:      now,
	})
	if err != nil {
		return nil, err
	}

	order.Status = StatusCompleted
	order.ProducedQty = producedQty
	order.OutputLotID = lotID
	order.CompletedAt = &now
	if err := w.store.UpdateOrder(ctx, *order); err != nil {
		return nil, err
	}

	if w.events != nil {
		err := w.events.Emit(ctx, "LotPF", lotID, "LotPfCreated", map[string]any{
			"lot_id":     lotID,
			"lot_number": lotNumber,
			"product_id": order.ProductPFID,
			"quantity":   producedQty,
			"order_id":   orderID,
		}, userID)
		if err != nil {
			return nil, err
		}
		err = w.events.Emit(ctx, "ProductionOrder", order.ID, "ProductionCompleted", map[string]any{
			"order_id":          order.ID,
			"produced_quantity": producedQty,
			"output_lot_id":     lotID,
			"yield_percent":     order.Yield(),
		}, userID)
		if err != nil {
			return nil, err
		}
	}

	w.log.Info().
		Str("order_id", order.ID).
		Str("output_lot", lotNumber).
		Str("yield", order.Yield().String()+"%").
		Msg("production completed")
	return order, nil
}

// ===== CANCEL =====

// Cancel moves PENDING or IN_PROGRESS -> CANCELLED. Cancelling an
// in-progress order does NOT reverse the MP already consumed; the
// order is flagged stock_reversed=false and the operator reconciles
// through an inventory adjustment.
func (w *Workflow) Cancel(ctx context.Context, orderID, reason, userID string) (*Order, error) {
	order, err := w.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, &core.NotFoundError{EntityType: "ProductionOrder", ID: orderID}
	}
	if !CanTransition(order.Status, StatusCancelled) {
		return nil, &core.InvalidStateTransitionError{Entity: "ProductionOrder", From: string(order.Status), To: string(StatusCancelled)}
	}

	if order.Status == StatusInProgress {
		w.log.Warn().
			Str("order_id", order.ID).
			Msg("cancelling in-progress order, consumed stock not reversed")
	}

	now := time.Now().UTC()
	order.Status = StatusCancelled
	order.CancelledAt = &now
	order.CancelReason = reason
	order.StockReversed = false
	if err := w.store.UpdateOrder(ctx, *order); err != nil {
		return nil, err
	}
	if w.events != nil {
		err := w.events.Emit(ctx, "ProductionOrder", order.ID, "ProductionCancelled", map[string]any{
			"order_id": order.ID, "reason": reason, "stock_reversed": false,
		}, userID)
		if err != nil {
			return nil, err
		}
	}

	w.log.Info().Str("order_id", order.ID).Str("reason", reason).Msg("production cancelled")
	return order, nil
}

// ===== QUERIES =====

func (w *Workflow) Get(ctx context.Context, orderID string) (*Order, error) {
	order, err := w.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, &core.NotFoundError{EntityType: "ProductionOrder", ID: orderID}
	}
	return order, nil
}

func (w *Workflow) List(ctx context.Context, f OrderFilter) ([]Order, error) {
	return w.store.ListOrders(ctx, f)
}

func (w *Workflow) Consumptions(ctx context.Context, orderID string) ([]Consumption, error) {
	return w.store.ListConsumptions(ctx, orderID)
}
