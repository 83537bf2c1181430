/*
dto.go - Request/response types for the HTTP API

DTOs decouple the wire contract from the domain types: quantities
travel as strings to keep decimal precision, money as integer
centimes.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mokksdz/manchengo/production"
	"github.com/Mokksdz/manchengo/stock"
)

// =============================================================================
// STOCK
// =============================================================================

type ReceptionLineRequest struct {
	ProductMPID string `json:"product_mp_id"`
	LotNumber   string `json:"lot_number,omitempty"`
	Quantity    string `json:"quantity"`
	UnitCost    int64  `json:"unit_cost"`             // centimes
	ExpiryDate  string `json:"expiry_date,omitempty"` // YYYY-MM-DD
}

type CreateReceptionRequest struct {
	SupplierID string                 `json:"supplier_id"`
	Date       string                 `json:"date,omitempty"`
	BLNumber   string                 `json:"bl_number,omitempty"`
	Note       string                 `json:"note,omitempty"`
	Lines      []ReceptionLineRequest `json:"lines"`
}

type AdjustInventoryRequest struct {
	ProductType      string `json:"product_type"`
	ProductID        string `json:"product_id"`
	PhysicalQuantity string `json:"physical_quantity"`
	Reason           string `json:"reason"`
}

type DeclareLossRequest struct {
	ProductType string `json:"product_type"`
	ProductID   string `json:"product_id"`
	LotID       string `json:"lot_id,omitempty"`
	Quantity    string `json:"quantity"`
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

type BlockLotRequest struct {
	Reason string `json:"reason"`
}

type ConsumeRequest struct {
	ProductType   string `json:"product_type"`
	ProductID     string `json:"product_id"`
	Quantity      string `json:"quantity"`
	Origin        string `json:"origin"`
	ReferenceType string `json:"reference_type,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
}

type BalanceDTO struct {
	ProductType string `json:"product_type"`
	ProductID   string `json:"product_id"`
	Quantity    string `json:"quantity"`
}

type MovementDTO struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	ProductType   string    `json:"product_type"`
	ProductID     string    `json:"product_id"`
	LotID         string    `json:"lot_id,omitempty"`
	Quantity      string    `json:"quantity"`
	UnitCost      *int64    `json:"unit_cost,omitempty"`
	Origin        string    `json:"origin"`
	ReferenceType string    `json:"reference_type,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type LotDTO struct {
	ID                string     `json:"id"`
	LotNumber         string     `json:"lot_number"`
	ProductType       string     `json:"product_type"`
	ProductID         string     `json:"product_id"`
	QuantityInitial   string     `json:"quantity_initial"`
	QuantityRemaining string     `json:"quantity_remaining"`
	UnitCost          int64      `json:"unit_cost"`
	ReceptionDate     time.Time  `json:"reception_date"`
	ExpiryDate        *time.Time `json:"expiry_date,omitempty"`
	Status            string     `json:"status"`
	BlockedReason     string     `json:"blocked_reason,omitempty"`
}

type StockAlertsDTO struct {
	Ruptures []stock.Alert `json:"ruptures"`
	Critical []stock.Alert `json:"critical"`
	Low      []stock.Alert `json:"low"`
	Expiring []LotDTO      `json:"expiring"`
}

func toMovementDTO(m stock.Movement) MovementDTO {
	dto := MovementDTO{
		ID:            m.ID,
		Type:          string(m.Type),
		ProductType:   string(m.ProductType),
		ProductID:     m.ProductID,
		LotID:         m.LotID,
		Quantity:      m.Quantity.String(),
		Origin:        string(m.Origin),
		ReferenceType: string(m.ReferenceType),
		ReferenceID:   m.ReferenceID,
		Note:          m.Note,
		CreatedAt:     m.CreatedAt,
	}
	if m.UnitCost != nil {
		c := m.UnitCost.Centimes()
		dto.UnitCost = &c
	}
	return dto
}

func toLotDTO(l stock.Lot) LotDTO {
	return LotDTO{
		ID:                l.ID,
		LotNumber:         l.LotNumber,
		ProductType:       string(l.ProductType),
		ProductID:         l.ProductID,
		QuantityInitial:   l.QuantityInitial.String(),
		QuantityRemaining: l.QuantityRemaining.String(),
		UnitCost:          l.UnitCost.Centimes(),
		ReceptionDate:     l.ReceptionDate,
		ExpiryDate:        l.ExpiryDate,
		Status:            string(l.Status),
		BlockedReason:     l.BlockedReason,
	}
}

// =============================================================================
// PRODUCTION
// =============================================================================

type CreateOrderRequest struct {
	ProductPFID   string `json:"product_pf_id"`
	BatchCount    int    `json:"batch_count"`
	ScheduledDate string `json:"scheduled_date,omitempty"` // YYYY-MM-DD
	Note          string `json:"note,omitempty"`
}

type CompleteOrderRequest struct {
	ProducedQuantity string `json:"produced_quantity"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

type OrderDTO struct {
	ID             string     `json:"id"`
	Reference      string     `json:"reference"`
	RecipeID       string     `json:"recipe_id"`
	ProductPFID    string     `json:"product_pf_id"`
	BatchCount     int        `json:"batch_count"`
	ScheduledDate  *time.Time `json:"scheduled_date,omitempty"`
	TargetQuantity string     `json:"target_quantity"`
	ProducedQty    string     `json:"produced_quantity"`
	YieldPercent   string     `json:"yield_percent"`
	Status         string     `json:"status"`
	OutputLotID    string     `json:"output_lot_id,omitempty"`
	Note           string     `json:"note,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
	StockReversed  bool       `json:"stock_reversed"`
}

func toOrderDTO(o production.Order) OrderDTO {
	return OrderDTO{
		ID:             o.ID,
		Reference:      o.Reference,
		RecipeID:       o.RecipeID,
		ProductPFID:    o.ProductPFID,
		BatchCount:     o.BatchCount,
		ScheduledDate:  o.ScheduledDate,
		TargetQuantity: o.TargetQuantity.String(),
		ProducedQty:    o.ProducedQty.String(),
		YieldPercent:   o.Yield().String(),
		Status:         string(o.Status),
		OutputLotID:    o.OutputLotID,
		Note:           o.Note,
		CreatedAt:      o.CreatedAt,
		StartedAt:      o.StartedAt,
		CompletedAt:    o.CompletedAt,
		CancelledAt:    o.CancelledAt,
		CancelReason:   o.CancelReason,
		StockReversed:  o.StockReversed,
	}
}

// =============================================================================
// SYNC
// =============================================================================

type ResolveConflictRequest struct {
	Winner string `json:"winner"` // LOCAL or REMOTE
}

type SyncStatusDTO struct {
	Online       bool       `json:"online"`
	DeviceID     string     `json:"device_id"`
	PendingCount int        `json:"pending_count"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// =============================================================================
// SHARED
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func parseQuantity(s string) (decimal.Decimal, bool) {
	q, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return q, true
}
