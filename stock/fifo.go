/*
fifo.go - FIFO consumption engine

The signature algorithm of the system. Given a product and a required
quantity, walks the available lots oldest-first and emits exactly the
OUT movements and lot decrements needed, or fails atomically.

ALL-OR-NOTHING:
  The availability check and the per-lot writes run inside a single
  store transaction. If the total available is short, or any write
  fails, zero movements and zero decrements are committed. A production
  order is never left half-consumed.

DETERMINISM:
  Lots are ordered (reception_date, expiry_date NULLS LAST, id), so a
  Preview followed by Consume with no intervening writes produces the
  identical breakdown. A lot whose remainder exactly matches the need
  is drained and marked depleted in the same pass.
*/
package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Mokksdz/manchengo/core"
)

// FifoConsumption is one lot draw within a consume call.
type FifoConsumption struct {
	LotID            string          `json:"lot_id"`
	LotNumber        string          `json:"lot_number"`
	QuantityConsumed decimal.Decimal `json:"quantity_consumed"`
	UnitCost         core.Money      `json:"unit_cost"`
	LotDepleted      bool            `json:"lot_depleted"`
}

// FifoResult is the outcome of a committed consumption.
type FifoResult struct {
	TotalConsumed    decimal.Decimal   `json:"total_consumed"`
	Consumptions     []FifoConsumption `json:"consumptions"`
	MovementsCreated []string          `json:"movements_created"`
}

// FifoLotPreview describes one lot's share of a previewed consumption.
type FifoLotPreview struct {
	LotID             string          `json:"lot_id"`
	LotNumber         string          `json:"lot_number"`
	QuantityAvailable decimal.Decimal `json:"quantity_available"`
	QuantityToConsume decimal.Decimal `json:"quantity_to_consume"`
	ExpiryDate        *time.Time      `json:"expiry_date,omitempty"`
	ReceptionDate     time.Time       `json:"reception_date"`
}

// FifoPreview is the read-only dry run of a consumption.
type FifoPreview struct {
	ProductID         string           `json:"product_id"`
	RequestedQuantity decimal.Decimal  `json:"requested_quantity"`
	AvailableQuantity decimal.Decimal  `json:"available_quantity"`
	CanFulfill        bool             `json:"can_fulfill"`
	Shortage          decimal.Decimal  `json:"shortage"`
	Lots              []FifoLotPreview `json:"lots"`
}

// ConsumeRequest describes a FIFO consumption to commit.
type ConsumeRequest struct {
	ProductType   ProductType
	ProductID     string
	Quantity      decimal.Decimal
	Origin        Origin
	ReferenceType ReferenceType
	ReferenceID   string
	UserID        string
}

// EventSink receives domain events from stock operations. The sync
// package provides the real implementation; a nil sink disables
// event emission (used by some tests).
type EventSink interface {
	Emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload any, userID string) error
}

// Engine walks lots in FIFO order and commits consumptions atomically.
type Engine struct {
	store  TxStore
	events EventSink
	log    zerolog.Logger
}

func NewEngine(store TxStore, events EventSink, log zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		events: events,
		log:    log.With().Str("component", "stock.fifo").Logger(),
	}
}

// Preview computes the lot breakdown for a consumption without writing
// anything. Reports the shortage when the request cannot be fulfilled.
func (e *Engine) Preview(ctx context.Context, pt ProductType, productID string, quantity decimal.Decimal) (*FifoPreview, error) {
	if !quantity.IsPositive() {
		return nil, core.BusinessRule("preview quantity must be positive, got %s", quantity)
	}

	lots, err := e.store.AvailableLotsFIFO(ctx, pt, productID)
	if err != nil {
		return nil, err
	}

	preview := &FifoPreview{
		ProductID:         productID,
		RequestedQuantity: quantity,
		AvailableQuantity: decimal.Zero,
		Shortage:          decimal.Zero,
		Lots:              []FifoLotPreview{},
	}

	remaining := quantity
	for _, lot := range lots {
		preview.AvailableQuantity = preview.AvailableQuantity.Add(lot.QuantityRemaining)

		if remaining.IsPositive() {
			toConsume := decimal.Min(remaining, lot.QuantityRemaining)
			preview.Lots = append(preview.Lots, FifoLotPreview{
				LotID:             lot.ID,
				LotNumber:         lot.LotNumber,
				QuantityAvailable: lot.QuantityRemaining,
				QuantityToConsume: toConsume,
				ExpiryDate:        lot.ExpiryDate,
				ReceptionDate:     lot.ReceptionDate,
			})
			remaining = remaining.Sub(toConsume)
		}
	}

	preview.CanFulfill = !remaining.IsPositive()
	if remaining.IsPositive() {
		preview.Shortage = remaining
	}
	return preview, nil
}

// Consume commits a FIFO consumption: one OUT movement and one lot
// decrement per drawn lot, all inside a single transaction. Returns
// InsufficientStockError without committing anything when the total
// available falls short.
func (e *Engine) Consume(ctx context.Context, req ConsumeRequest) (*FifoResult, error) {
	if !req.Quantity.IsPositive() {
		return nil, core.BusinessRule("consume quantity must be positive, got %s", req.Quantity)
	}
	if !validOrigins[req.Origin] {
		return nil, core.BusinessRule("unknown movement origin %q", req.Origin)
	}

	var (
		result *FifoResult
		drawn  []lotDraw
	)
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		result, drawn, err = e.consumeTx(ctx, s, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Events go out after the commit: the ledger and lots mutate
	// transactionally, the event log follows.
	if e.events != nil {
		for _, d := range drawn {
			err := e.events.Emit(ctx, "Lot"+string(req.ProductType), d.lotID, "LotQuantityReduced", map[string]any{
				"lot_id":          d.lotID,
				"quantity_before": d.before,
				"quantity_after":  d.after,
				"reason":          string(req.Origin),
				"reference_type":  string(req.ReferenceType),
				"reference_id":    req.ReferenceID,
			}, req.UserID)
			if err != nil {
				return nil, err
			}
		}
	}

	e.log.Info().
		Str("product_id", req.ProductID).
		Str("origin", string(req.Origin)).
		Str("quantity", req.Quantity.String()).
		Int("lots", len(result.Consumptions)).
		Msg("fifo consumption committed")
	return result, nil
}

// ConsumeAll commits several FIFO consumptions inside one transaction.
// If any request falls short, none of them commit. Results come back
// in request order.
func (e *Engine) ConsumeAll(ctx context.Context, reqs []ConsumeRequest) ([]*FifoResult, error) {
	for _, req := range reqs {
		if !req.Quantity.IsPositive() {
			return nil, core.BusinessRule("consume quantity must be positive, got %s", req.Quantity)
		}
		if !validOrigins[req.Origin] {
			return nil, core.BusinessRule("unknown movement origin %q", req.Origin)
		}
	}

	var (
		results []*FifoResult
		drawn   [][]lotDraw
	)
	err := e.store.WithTx(ctx, func(s Store) error {
		for _, req := range reqs {
			result, draws, err := e.consumeTx(ctx, s, req)
			if err != nil {
				return err
			}
			results = append(results, result)
			drawn = append(drawn, draws)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.events != nil {
		for i, req := range reqs {
			for _, d := range drawn[i] {
				err := e.events.Emit(ctx, "Lot"+string(req.ProductType), d.lotID, "LotQuantityReduced", map[string]any{
					"lot_id":          d.lotID,
					"quantity_before": d.before,
					"quantity_after":  d.after,
					"reason":          string(req.Origin),
					"reference_type":  string(req.ReferenceType),
					"reference_id":    req.ReferenceID,
				}, req.UserID)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	e.log.Info().
		Int("requests", len(reqs)).
		Msg("fifo batch consumption committed")
	return results, nil
}

type lotDraw struct {
	lotID  string
	before decimal.Decimal
	after  decimal.Decimal
}

func (e *Engine) consumeTx(ctx context.Context, s Store, req ConsumeRequest) (*FifoResult, []lotDraw, error) {
	lots, err := s.AvailableLotsFIFO(ctx, req.ProductType, req.ProductID)
	if err != nil {
		return nil, nil, err
	}

	totalAvailable := decimal.Zero
	for _, lot := range lots {
		totalAvailable = totalAvailable.Add(lot.QuantityRemaining)
	}
	if totalAvailable.LessThan(req.Quantity) {
		return nil, nil, &core.InsufficientStockError{
			Product:   req.ProductID,
			Required:  req.Quantity,
			Available: totalAvailable,
		}
	}

	result := &FifoResult{TotalConsumed: req.Quantity}
	var drawn []lotDraw
	remaining := req.Quantity
	now := time.Now().UTC()

	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}

		toConsume := decimal.Min(remaining, lot.QuantityRemaining)
		newRemaining := lot.QuantityRemaining.Sub(toConsume)
		depleted := newRemaining.IsZero()

		unitCost := lot.UnitCost
		movement := Movement{
			ID:          core.NewID(),
			Type:        MovementOut,
			ProductType: req.ProductType,
			ProductID:   req.ProductID,
			LotID:       lot.ID,
			Quantity:    toConsume,
			UnitCost:    &unitCost,
			Origin:      req.Origin,
			ReferenceType: req.ReferenceType,
			ReferenceID:   req.ReferenceID,
			UserID:        req.UserID,
			// Caller-independent key: a retry of the whole call creates a
			// fresh key, while a replayed insert of this call is a no-op.
			IdempotencyKey: fmt.Sprintf("FIFO-%s-%s-%d", lot.ID, req.Origin, now.UnixNano()),
			CreatedAt:      now,
		}
		if err := s.InsertMovement(ctx, movement); err != nil {
			return nil, nil, err
		}

		status := lot.Status
		if depleted {
			status = LotConsumed
		}
		if err := s.UpdateLotQuantity(ctx, lot.ID, newRemaining, status); err != nil {
			return nil, nil, err
		}

		result.Consumptions = append(result.Consumptions, FifoConsumption{
			LotID:            lot.ID,
			LotNumber:        lot.LotNumber,
			QuantityConsumed: toConsume,
			UnitCost:         lot.UnitCost,
			LotDepleted:      depleted,
		})
		result.MovementsCreated = append(result.MovementsCreated, movement.ID)
		drawn = append(drawn, lotDraw{lotID: lot.ID, before: lot.QuantityRemaining, after: newRemaining})
		remaining = remaining.Sub(toConsume)
	}

	return result, drawn, nil
}
