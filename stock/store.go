/*
store.go - Persistence contracts for movements and lots

The Store interfaces sit between the domain logic and the database.
Implementations: store/sqlite (production, single mutex-guarded
connection) and store/memory (tests).

APPEND-ONLY CONTRACT:
  MovementStore has no Update or Delete. Corrections happen through
  compensating movements, never edits.

IDEMPOTENCY:
  InsertMovement fails with core.ErrDuplicateIdempotencyKey when the
  key already exists; the Ledger turns that into a silent no-op so
  network retries never double-count stock.
*/
package stock

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MovementStore persists the append-only movement ledger.
type MovementStore interface {
	// InsertMovement appends one movement. Returns
	// core.ErrDuplicateIdempotencyKey if the idempotency key exists.
	InsertMovement(ctx context.Context, m Movement) error

	// SumMovements returns SUM(IN) and SUM(OUT) for a product.
	SumMovements(ctx context.Context, pt ProductType, productID string) (in, out decimal.Decimal, err error)

	// ListMovements returns movements matching the filter,
	// ordered by created_at descending.
	ListMovements(ctx context.Context, f MovementFilter) ([]Movement, error)
}

// LotStore persists lots. Only quantity_remaining and status mutate
// after creation.
type LotStore interface {
	InsertLot(ctx context.Context, l Lot) error
	GetLot(ctx context.Context, id string) (*Lot, error)

	// AvailableLotsFIFO returns AVAILABLE lots with remaining > 0 for a
	// product, ordered (reception_date ASC, expiry_date ASC NULLS LAST,
	// id ASC). The id tie-break makes the order fully deterministic.
	AvailableLotsFIFO(ctx context.Context, pt ProductType, productID string) ([]Lot, error)

	// UpdateLotQuantity sets quantity_remaining and status together.
	UpdateLotQuantity(ctx context.Context, id string, remaining decimal.Decimal, status LotStatus) error

	// UpdateLotStatus sets status and blocked reason.
	UpdateLotStatus(ctx context.Context, id string, status LotStatus, blockedReason string) error

	// LotsExpiringBefore returns non-terminal lots whose expiry date is
	// on or before the threshold.
	LotsExpiringBefore(ctx context.Context, threshold time.Time) ([]Lot, error)
}

// Store bundles everything the stock engine needs.
type Store interface {
	MovementStore
	LotStore
}

// TxStore runs a function inside a single storage transaction. If fn
// returns an error, nothing is persisted. The FIFO engine relies on
// this for its all-or-nothing guarantee.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}
