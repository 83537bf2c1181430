/*
Package stock implements the stock ledger and FIFO consumption engine.

KEY CONCEPTS IN THIS FILE (types.go):
  - Movement: an immutable ledger entry (IN or OUT) for a product/lot
  - Lot: a discrete traceable batch with its own remaining quantity
  - Origin: the closed set of business reasons a movement can have

DESIGN PRINCIPLES:
  1. Immutability: movements are never updated or deleted after insert
  2. Precision: decimal.Decimal for quantities, integer centimes for costs
  3. Closed enums: status/origin/type strings are validated at the storage
     boundary; a malformed value on read fails loudly instead of defaulting

Current stock for a product is always derived:
SUM(IN quantities) - SUM(OUT quantities). There is no cached balance
column that can drift out of sync.
*/
package stock

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mokksdz/manchengo/core"
)

// =============================================================================
// MOVEMENT ENUMS
// =============================================================================

// MovementType is the direction of a stock movement.
type MovementType string

const (
	MovementIn  MovementType = "IN"
	MovementOut MovementType = "OUT"
)

// ParseMovementType validates a stored movement type string.
func ParseMovementType(s string) (MovementType, error) {
	switch MovementType(s) {
	case MovementIn, MovementOut:
		return MovementType(s), nil
	}
	return "", core.DatabaseError(fmt.Errorf("unknown movement type %q", s))
}

// ProductType distinguishes raw materials from finished products.
type ProductType string

const (
	ProductMP ProductType = "MP" // matière première
	ProductPF ProductType = "PF" // produit fini
)

func ParseProductType(s string) (ProductType, error) {
	switch ProductType(s) {
	case ProductMP, ProductPF:
		return ProductType(s), nil
	}
	return "", core.DatabaseError(fmt.Errorf("unknown product type %q", s))
}

// Origin is the business reason for a movement.
type Origin string

const (
	OriginReception         Origin = "RECEPTION"
	OriginProductionIn      Origin = "PRODUCTION_IN"
	OriginProductionOut     Origin = "PRODUCTION_OUT"
	OriginProductionCancel  Origin = "PRODUCTION_CANCEL"
	OriginVente             Origin = "VENTE"
	OriginInventaire        Origin = "INVENTAIRE"
	OriginPerte             Origin = "PERTE"
	OriginRetourClient      Origin = "RETOUR_CLIENT"
	OriginTransfert         Origin = "TRANSFERT"
	OriginExpiry            Origin = "EXPIRY"
)

var validOrigins = map[Origin]bool{
	OriginReception: true, OriginProductionIn: true, OriginProductionOut: true,
	OriginProductionCancel: true, OriginVente: true, OriginInventaire: true,
	OriginPerte: true, OriginRetourClient: true, OriginTransfert: true,
	OriginExpiry: true,
}

func ParseOrigin(s string) (Origin, error) {
	if validOrigins[Origin(s)] {
		return Origin(s), nil
	}
	return "", core.DatabaseError(fmt.Errorf("unknown movement origin %q", s))
}

// ReferenceType names the document a movement is attached to.
type ReferenceType string

const (
	RefReception       ReferenceType = "RECEPTION"
	RefProductionOrder ReferenceType = "PRODUCTION_ORDER"
	RefSalesOrder      ReferenceType = "SALES_ORDER"
	RefAdjustment      ReferenceType = "ADJUSTMENT"
	RefLoss            ReferenceType = "LOSS"
	RefTransfer        ReferenceType = "TRANSFER"
)

// =============================================================================
// MOVEMENT - immutable ledger entry
// =============================================================================

// Movement is one append-only stock ledger entry. Quantity is always
// positive; the sign is implied by Type. Never updated or deleted.
type Movement struct {
	ID             string
	Type           MovementType
	ProductType    ProductType
	ProductID      string
	LotID          string // empty for lot-less adjustments
	Quantity       decimal.Decimal
	UnitCost       *core.Money
	Origin         Origin
	ReferenceType  ReferenceType // empty when unattached
	ReferenceID    string
	UserID         string
	IdempotencyKey string
	Note           string
	CreatedAt      time.Time
}

// Signed returns the quantity with its direction applied.
func (m Movement) Signed() decimal.Decimal {
	if m.Type == MovementOut {
		return m.Quantity.Neg()
	}
	return m.Quantity
}

// MovementFilter narrows History queries.
type MovementFilter struct {
	ProductType ProductType // empty = all
	ProductID   string
	LotID       string
	Origin      Origin
	From        *time.Time
	To          *time.Time
	Limit       int
}

// =============================================================================
// LOT - traceable batch with mutable remaining quantity
// =============================================================================

// LotStatus is the lifecycle status of a lot. Blocked is orthogonal to
// consumption (quality hold) and reversible; Consumed is terminal.
type LotStatus string

const (
	LotAvailable LotStatus = "AVAILABLE"
	LotReserved  LotStatus = "RESERVED"
	LotConsumed  LotStatus = "CONSUMED"
	LotExpired   LotStatus = "EXPIRED"
	LotBlocked   LotStatus = "BLOCKED"
)

func ParseLotStatus(s string) (LotStatus, error) {
	switch LotStatus(s) {
	case LotAvailable, LotReserved, LotConsumed, LotExpired, LotBlocked:
		return LotStatus(s), nil
	}
	return "", core.DatabaseError(fmt.Errorf("unknown lot status %q", s))
}

// Consumable reports whether the FIFO engine may draw from this status.
func (s LotStatus) Consumable() bool {
	return s == LotAvailable || s == LotReserved
}

// Lot is a discrete batch of MP or PF. Created once (reception or
// production completion); afterwards only QuantityRemaining and Status
// mutate, and only through the Registry.
type Lot struct {
	ID          string
	LotNumber   string
	ProductType ProductType
	ProductID   string

	// MP lots carry a supplier, PF lots a production order.
	SupplierID        string
	ProductionOrderID string

	QuantityInitial   decimal.Decimal
	QuantityRemaining decimal.Decimal
	UnitCost          core.Money

	ReceptionDate time.Time // production date for PF lots
	ExpiryDate    *time.Time

	Status        LotStatus
	BlockedReason string
	QRCode        string

	CreatedBy string
	CreatedAt time.Time
}

// Expired reports whether the lot is past its expiry date.
func (l Lot) Expired(now time.Time) bool {
	return l.ExpiryDate != nil && l.ExpiryDate.Before(now)
}

// RemainingValue is the cost of what is left in the lot.
func (l Lot) RemainingValue() core.Money {
	return l.UnitCost.MulQuantity(l.QuantityRemaining)
}
