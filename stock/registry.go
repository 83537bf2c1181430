/*
registry.go - Lot Registry

Owns the only mutable fields of a lot: quantity_remaining and status.
All decrements go through Decrement so the Consumed flip at exactly
zero can never be missed, and no caller ever read-modify-writes the
remaining quantity outside the store's serialization.
*/
package stock

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Mokksdz/manchengo/core"
)

// Registry manages lot lifecycle: creation, FIFO listing, decrements
// and status changes.
type Registry struct {
	store LotStore
	log   zerolog.Logger
}

func NewRegistry(store LotStore, log zerolog.Logger) *Registry {
	return &Registry{store: store, log: log.With().Str("component", "stock.registry").Logger()}
}

// Create inserts a new lot in AVAILABLE status with remaining = initial.
func (r *Registry) Create(ctx context.Context, l Lot) (string, error) {
	if l.ID == "" {
		l.ID = core.NewID()
	}
	if l.LotNumber == "" {
		return "", core.BusinessRule("lot requires a lot number")
	}
	if !l.QuantityInitial.IsPositive() {
		return "", core.BusinessRule("lot initial quantity must be positive, got %s", l.QuantityInitial)
	}
	l.QuantityRemaining = l.QuantityInitial
	l.Status = LotAvailable
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	if err := r.store.InsertLot(ctx, l); err != nil {
		return "", err
	}

	r.log.Info().
		Str("lot_id", l.ID).
		Str("lot_number", l.LotNumber).
		Str("product_id", l.ProductID).
		Str("quantity", l.QuantityInitial.String()).
		Msg("lot created")
	return l.ID, nil
}

// Get returns a lot or a NotFoundError.
func (r *Registry) Get(ctx context.Context, id string) (*Lot, error) {
	lot, err := r.store.GetLot(ctx, id)
	if err != nil {
		return nil, err
	}
	if lot == nil {
		return nil, &core.NotFoundError{EntityType: "Lot", ID: id}
	}
	return lot, nil
}

// LotsFIFO returns the consumable lots for a product in strict FIFO
// order: oldest reception first, earliest expiry as tie-break, id as
// the final deterministic tie-break.
func (r *Registry) LotsFIFO(ctx context.Context, pt ProductType, productID string) ([]Lot, error) {
	return r.store.AvailableLotsFIFO(ctx, pt, productID)
}

// Decrement reduces a lot's remaining quantity. The status flips to
// CONSUMED exactly when the remainder reaches zero; a RESERVED lot with
// quantity left reverts to AVAILABLE.
func (r *Registry) Decrement(ctx context.Context, lotID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, core.BusinessRule("decrement amount must be positive, got %s", amount)
	}

	lot, err := r.Get(ctx, lotID)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.GreaterThan(lot.QuantityRemaining) {
		return decimal.Zero, &core.InsufficientLotQuantityError{
			LotNumber: lot.LotNumber,
			Requested: amount,
			Remaining: lot.QuantityRemaining,
		}
	}

	remaining := lot.QuantityRemaining.Sub(amount)
	status := lot.Status
	switch {
	case remaining.IsZero():
		status = LotConsumed
	case status == LotReserved:
		status = LotAvailable
	}

	if err := r.store.UpdateLotQuantity(ctx, lotID, remaining, status); err != nil {
		return decimal.Zero, err
	}

	r.log.Debug().
		Str("lot_id", lotID).
		Str("consumed", amount.String()).
		Str("remaining", remaining.String()).
		Str("status", string(status)).
		Msg("lot decremented")
	return remaining, nil
}

// SetStatus applies a block/unblock or expiry status change. Transitions
// out of CONSUMED are rejected; unblocking resolves to AVAILABLE or
// CONSUMED based on the remaining quantity.
func (r *Registry) SetStatus(ctx context.Context, lotID string, status LotStatus, reason string) error {
	lot, err := r.Get(ctx, lotID)
	if err != nil {
		return err
	}

	if lot.Status == LotConsumed {
		return &core.InvalidStateTransitionError{
			Entity: "Lot",
			From:   string(LotConsumed),
			To:     string(status),
		}
	}

	// Unblocking lands on the status the remaining quantity dictates.
	if lot.Status == LotBlocked && status == LotAvailable && lot.QuantityRemaining.IsZero() {
		status = LotConsumed
	}
	if status != LotBlocked {
		reason = ""
	}

	if err := r.store.UpdateLotStatus(ctx, lotID, status, reason); err != nil {
		return err
	}

	r.log.Info().
		Str("lot_id", lotID).
		Str("from", string(lot.Status)).
		Str("to", string(status)).
		Msg("lot status changed")
	return nil
}
