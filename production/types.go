/*
production - Manufacturing orders

A production order consumes MP lots through the FIFO engine and yields
a PF lot. Orders move through a strict state machine:

	PENDING -> IN_PROGRESS -> COMPLETED
	PENDING -> CANCELLED
	IN_PROGRESS -> CANCELLED

Every other transition is rejected.
*/
package production

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mokksdz/manchengo/core"
)

// ===== STATUS =====

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// ParseStatus maps the persisted string to a Status. Unknown strings
// indicate a corrupt row and fail loudly.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return Status(s), nil
	default:
		return "", core.DatabaseError(fmt.Errorf("unknown production status %q", s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ===== ORDER =====

type Order struct {
	ID             string          `json:"id"`
	Reference      string          `json:"reference"`
	RecipeID       string          `json:"recipe_id"`
	ProductPFID    string          `json:"product_pf_id"`
	BatchCount     int             `json:"batch_count"`
	TargetQuantity decimal.Decimal `json:"target_quantity"`
	ScheduledDate  *time.Time      `json:"scheduled_date,omitempty"`
	ProducedQty    decimal.Decimal `json:"produced_quantity"`
	Status         Status          `json:"status"`
	OutputLotID    string          `json:"output_lot_id,omitempty"`
	Note           string          `json:"note,omitempty"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason   string          `json:"cancel_reason,omitempty"`
	StockReversed  bool            `json:"stock_reversed"`
}

// Yield returns produced/target as a percentage, 0 when the target is
// zero or nothing was produced yet.
func (o Order) Yield() decimal.Decimal {
	if o.TargetQuantity.IsZero() || o.ProducedQty.IsZero() {
		return decimal.Zero
	}
	return o.ProducedQty.Div(o.TargetQuantity).Mul(decimal.NewFromInt(100)).Round(2)
}

// Consumption records one MP draw performed when the order started.
type Consumption struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	ProductMPID string          `json:"product_mp_id"`
	LotID       string          `json:"lot_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    core.Money      `json:"unit_cost"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ===== RECIPE =====

// RecipeLine is the MP requirement for one batch of output.
type RecipeLine struct {
	ProductMPID string          `json:"product_mp_id"`
	ProductName string          `json:"product_name,omitempty"`
	QtyPerBatch decimal.Decimal `json:"qty_per_batch"`
	Unit        string          `json:"unit,omitempty"`
}

type Recipe struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	ProductPFID    string          `json:"product_pf_id"`
	OutputQuantity decimal.Decimal `json:"output_quantity"` // PF units yielded per batch
	OutputUnit     string          `json:"output_unit"`
	ShelfLifeDays  int             `json:"shelf_life_days"`
	Lines          []RecipeLine    `json:"lines"`
	Active         bool            `json:"active"`
}

// Requirement is one recipe line scaled to an order's batch count.
type Requirement struct {
	ProductMPID string
	ProductName string
	Quantity    decimal.Decimal
	Unit        string
}

// Requirements scales the recipe lines to the requested number of
// batches.
func (r Recipe) Requirements(batchCount int) []Requirement {
	n := decimal.NewFromInt(int64(batchCount))
	out := make([]Requirement, 0, len(r.Lines))
	for _, line := range r.Lines {
		out = append(out, Requirement{
			ProductMPID: line.ProductMPID,
			ProductName: line.ProductName,
			Quantity:    line.QtyPerBatch.Mul(n),
			Unit:        line.Unit,
		})
	}
	return out
}
