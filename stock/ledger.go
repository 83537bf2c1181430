/*
ledger.go - Append-only stock ledger

The Ledger is the source of truth for all quantities. Balance is always
computed by summing movements; there is no separate balance field that
can drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no update, no delete
  2. IDEMPOTENT: a duplicate idempotency key is a silent no-op, not an
     error, so sync retries are always safe
  3. DURABLE: every successful Record is a synchronous write
*/
package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Mokksdz/manchengo/core"
)

// Ledger records and queries stock movements.
type Ledger struct {
	store MovementStore
	log   zerolog.Logger
}

func NewLedger(store MovementStore, log zerolog.Logger) *Ledger {
	return &Ledger{store: store, log: log.With().Str("component", "stock.ledger").Logger()}
}

// Record appends a movement. A duplicate idempotency key returns nil
// without inserting a second row.
func (l *Ledger) Record(ctx context.Context, m Movement) error {
	if err := l.validate(m); err != nil {
		return err
	}

	err := l.store.InsertMovement(ctx, m)
	if errors.Is(err, core.ErrDuplicateIdempotencyKey) {
		l.log.Warn().
			Str("idempotency_key", m.IdempotencyKey).
			Str("product_id", m.ProductID).
			Msg("duplicate movement ignored")
		return nil
	}
	if err != nil {
		return err
	}

	l.log.Debug().
		Str("movement_id", m.ID).
		Str("type", string(m.Type)).
		Str("origin", string(m.Origin)).
		Str("product_id", m.ProductID).
		Str("quantity", m.Quantity.String()).
		Msg("movement recorded")
	return nil
}

func (l *Ledger) validate(m Movement) error {
	if m.ID == "" || m.ProductID == "" || m.IdempotencyKey == "" {
		return core.BusinessRule("movement requires id, product id and idempotency key")
	}
	if !m.Quantity.IsPositive() {
		return core.BusinessRule("movement quantity must be positive, got %s", m.Quantity)
	}
	if m.Type != MovementIn && m.Type != MovementOut {
		return core.BusinessRule("movement type must be IN or OUT")
	}
	if !validOrigins[m.Origin] {
		return core.BusinessRule("unknown movement origin %q", m.Origin)
	}
	return nil
}

// Balance computes current stock for a product: SUM(IN) - SUM(OUT).
func (l *Ledger) Balance(ctx context.Context, pt ProductType, productID string) (decimal.Decimal, error) {
	in, out, err := l.store.SumMovements(ctx, pt, productID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance for %s %s: %w", pt, productID, err)
	}
	return in.Sub(out), nil
}

// History returns movements matching the filter, newest first.
func (l *Ledger) History(ctx context.Context, f MovementFilter) ([]Movement, error) {
	return l.store.ListMovements(ctx, f)
}
