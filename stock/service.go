/*
service.go - Stock business flows

Everything that mutates stock outside the FIFO engine lives here:
receptions (MP entry from a supplier), difference-based inventory
adjustments, loss declarations, quality block/unblock, and the expiry
sweep. These are the only flows besides the FIFO engine permitted to
touch lot quantities, always through the Registry.
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

// ProductInfo is the read-only product metadata the stock flows need.
// Supplied by the product repository collaborator; never mutated here.
type ProductInfo struct {
	ID           string
	Code         string
	Name         string
	Unit         string
	MinStock     decimal.Decimal
	ReorderPoint decimal.Decimal
}

// ProductCatalog looks up product metadata.
type ProductCatalog interface {
	GetProduct(ctx context.Context, pt ProductType, id string) (*ProductInfo, error)
	ListProducts(ctx context.Context, pt ProductType) ([]ProductInfo, error)
}

// SequenceSource hands out durable per-day counters for document
// references. Scopes keep reception and production numbering apart.
type SequenceSource interface {
	NextSequence(ctx context.Context, scope string, day time.Time) (int, error)
}

// Service wires the ledger, registry and engine into business flows.
type Service struct {
	ledger   *Ledger
	registry *Registry
	engine   *Engine
	catalog  ProductCatalog
	seq      SequenceSource
	events   EventSink
	log      zerolog.Logger
}

func NewService(ledger *Ledger, registry *Registry, engine *Engine, catalog ProductCatalog, seq SequenceSource, events EventSink, log zerolog.Logger) *Service {
	return &Service{
		ledger:   ledger,
		registry: registry,
		engine:   engine,
		catalog:  catalog,
		seq:      seq,
		events:   events,
		log:      log.With().Str("component", "stock.service").Logger(),
	}
}

// Ledger exposes the underlying ledger for read queries.
func (s *Service) Ledger() *Ledger { return s.ledger }

// Registry exposes the lot registry.
func (s *Service) Registry() *Registry { return s.registry }

// Engine exposes the FIFO engine.
func (s *Service) Engine() *Engine { return s.engine }

// =============================================================================
// RECEPTION - MP entry from supplier
// =============================================================================

type ReceptionLine struct {
	ProductMPID string
	LotNumber   string // generated when empty
	Quantity    decimal.Decimal
	UnitCost    core.Money
	ExpiryDate  *time.Time
}

type CreateReception struct {
	SupplierID string
	Date       time.Time
	BLNumber   string
	Note       string
	Lines      []ReceptionLine
}

type ReceptionLineResult struct {
	ProductMPID string          `json:"product_mp_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    int64           `json:"unit_cost"`
	LineTotal   int64           `json:"line_total"`
	LotID       string          `json:"lot_id"`
	LotNumber   string          `json:"lot_number"`
}

type ReceptionResult struct {
	ID         string                `json:"id"`
	Reference  string                `json:"reference"`
	SupplierID string                `json:"supplier_id"`
	Date       time.Time             `json:"date"`
	Lines      []ReceptionLineResult `json:"lines"`
	TotalHT    int64                 `json:"total_ht"`
	CreatedBy  string                `json:"created_by"`
}

// Reception creates one MP lot and one IN movement per line. Movement
// idempotency keys are derived from the reception id and line index, so
// a replayed reception cannot double-count.
func (s *Service) Reception(ctx context.Context, req CreateReception, userID string) (*ReceptionResult, error) {
	if len(req.Lines) == 0 {
		return nil, core.BusinessRule("reception requires at least one line")
	}
	if req.Date.IsZero() {
		req.Date = time.Now().UTC()
	}

	seq, err := s.seq.NextSequence(ctx, "REC", req.Date)
	if err != nil {
		return nil, err
	}

	receptionID := core.NewID()
	result := &ReceptionResult{
		ID:         receptionID,
		Reference:  fmt.Sprintf("REC-%s-%03d", req.Date.Format("20060102"), seq),
		SupplierID: req.SupplierID,
		Date:       req.Date,
		CreatedBy:  userID,
	}

	for idx, line := range req.Lines {
		product, err := s.catalog.GetProduct(ctx, ProductMP, line.ProductMPID)
		if err != nil {
			return nil, err
		}
		if product == nil {
			return nil, &core.NotFoundError{EntityType: "ProductMP", ID: line.ProductMPID}
		}
		if !line.Quantity.IsPositive() {
			return nil, core.BusinessRule("invalid quantity on line %d", idx+1)
		}

		lotNumber := line.LotNumber
		if lotNumber == "" {
			lotNumber = fmt.Sprintf("LOT-%s-%03d", req.Date.Format("20060102"), idx+1)
		}

		lotID, err := s.registry.Create(ctx, Lot{
			LotNumber:       lotNumber,
			ProductType:     ProductMP,
			ProductID:       line.ProductMPID,
			SupplierID:      req.SupplierID,
			QuantityInitial: line.Quantity,
			UnitCost:        line.UnitCost,
			ReceptionDate:   req.Date,
			ExpiryDate:      line.ExpiryDate,
			CreatedBy:       userID,
		})
		if err != nil {
			return nil, err
		}

		unitCost := line.UnitCost
		err = s.ledger.Record(ctx, Movement{
			ID:             core.NewID(),
			Type:           MovementIn,
			ProductType:    ProductMP,
			ProductID:      line.ProductMPID,
			LotID:          lotID,
			Quantity:       line.Quantity,
			UnitCost:       &unitCost,
			Origin:         OriginReception,
			ReferenceType:  RefReception,
			ReferenceID:    receptionID,
			UserID:         userID,
			IdempotencyKey: fmt.Sprintf("REC-%s-%d", receptionID, idx),
			Note:           req.Note,
			CreatedAt:      time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}

		if s.events != nil {
			err = s.events.Emit(ctx, "LotMP", lotID, "LotMpCreated", map[string]any{
				"lot_id":      lotID,
				"lot_number":  lotNumber,
				"product_id":  line.ProductMPID,
				"supplier_id": req.SupplierID,
				"quantity":    line.Quantity,
				"unit_cost":   line.UnitCost.Centimes(),
			}, userID)
			if err != nil {
				return nil, err
			}
		}

		lineTotal := line.UnitCost.MulQuantity(line.Quantity).Centimes()
		result.TotalHT += lineTotal
		result.Lines = append(result.Lines, ReceptionLineResult{
			ProductMPID: line.ProductMPID,
			ProductName: product.Name,
			Quantity:    line.Quantity,
			UnitCost:    line.UnitCost.Centimes(),
			LineTotal:   lineTotal,
			LotID:       lotID,
			LotNumber:   lotNumber,
		})
	}

	s.log.Info().
		Str("reception_id", receptionID).
		Str("reference", result.Reference).
		Int("lines", len(result.Lines)).
		Msg("reception created")
	return result, nil
}

// =============================================================================
// INVENTORY ADJUSTMENT - difference based
// =============================================================================

type AdjustInventory struct {
	ProductType      ProductType
	ProductID        string
	PhysicalQuantity decimal.Decimal
	Reason           string
}

type AdjustmentResult struct {
	MovementID    string          `json:"movement_id"`
	PreviousStock decimal.Decimal `json:"previous_stock"`
	PhysicalStock decimal.Decimal `json:"physical_stock"`
	Difference    decimal.Decimal `json:"difference"`
	Type          MovementType    `json:"movement_type"`
}

// Adjust records the difference between the physical count and the
// computed stock as a single INVENTAIRE movement.
func (s *Service) Adjust(ctx context.Context, req AdjustInventory, userID string) (*AdjustmentResult, error) {
	if len(req.Reason) < 5 {
		return nil, core.BusinessRule("adjustment reason too short (min 5 characters)")
	}

	current, err := s.ledger.Balance(ctx, req.ProductType, req.ProductID)
	if err != nil {
		return nil, err
	}

	diff := req.PhysicalQuantity.Sub(current)
	if diff.IsZero() {
		return nil, core.BusinessRule("no difference between physical and computed stock")
	}

	mtype := MovementIn
	if diff.IsNegative() {
		mtype = MovementOut
	}

	movementID := core.NewID()
	err = s.ledger.Record(ctx, Movement{
		ID:             movementID,
		Type:           mtype,
		ProductType:    req.ProductType,
		ProductID:      req.ProductID,
		Quantity:       diff.Abs(),
		Origin:         OriginInventaire,
		ReferenceType:  RefAdjustment,
		UserID:         userID,
		IdempotencyKey: fmt.Sprintf("INV-%s-%d", req.ProductID, time.Now().UnixNano()),
		Note:           req.Reason,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("product_id", req.ProductID).
		Str("difference", diff.String()).
		Str("reason", req.Reason).
		Msg("inventory adjusted")
	return &AdjustmentResult{
		MovementID:    movementID,
		PreviousStock: current,
		PhysicalStock: req.PhysicalQuantity,
		Difference:    diff,
		Type:          mtype,
	}, nil
}

// =============================================================================
// LOSS DECLARATION
// =============================================================================

type DeclareLoss struct {
	ProductType ProductType
	ProductID   string
	LotID       string // optional
	Quantity    decimal.Decimal
	Reason      string
	Description string
}

type LossResult struct {
	MovementID string          `json:"movement_id"`
	LotID      string          `json:"lot_id,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	Origin     Origin          `json:"origin"`
}

// Loss records an OUT movement for spoiled or damaged stock. A loss
// against an expired lot is tagged EXPIRY instead of PERTE; a lot
// decrement clamps at zero since physical loss can exceed the ledger.
func (s *Service) Loss(ctx context.Context, req DeclareLoss, userID string) (*LossResult, error) {
	if !req.Quantity.IsPositive() {
		return nil, core.BusinessRule("loss quantity must be positive")
	}
	if len(req.Reason) < 3 {
		return nil, core.BusinessRule("loss reason too short")
	}

	origin := OriginPerte
	if req.LotID != "" {
		lot, err := s.registry.Get(ctx, req.LotID)
		if err != nil {
			return nil, err
		}
		if lot.Expired(time.Now().UTC()) {
			origin = OriginExpiry
		}
	}

	movementID := core.NewID()
	err := s.ledger.Record(ctx, Movement{
		ID:             movementID,
		Type:           MovementOut,
		ProductType:    req.ProductType,
		ProductID:      req.ProductID,
		LotID:          req.LotID,
		Quantity:       req.Quantity,
		Origin:         origin,
		ReferenceType:  RefLoss,
		UserID:         userID,
		IdempotencyKey: fmt.Sprintf("LOSS-%s-%d", req.ProductID, time.Now().UnixNano()),
		Note:           req.Reason + ": " + req.Description,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if req.LotID != "" {
		lot, err := s.registry.Get(ctx, req.LotID)
		if err != nil {
			return nil, err
		}
		amount := decimal.Min(req.Quantity, lot.QuantityRemaining)
		if amount.IsPositive() {
			if _, err := s.registry.Decrement(ctx, req.LotID, amount); err != nil {
				return nil, err
			}
		}
	}

	s.log.Warn().
		Str("product_id", req.ProductID).
		Str("quantity", req.Quantity.String()).
		Str("reason", req.Reason).
		Msg("loss declared")
	return &LossResult{MovementID: movementID, LotID: req.LotID, Quantity: req.Quantity, Origin: origin}, nil
}

// =============================================================================
// QUALITY HOLD
// =============================================================================

// BlockLot puts a lot on quality hold.
func (s *Service) BlockLot(ctx context.Context, lotID, reason, userID string) error {
	if err := s.registry.SetStatus(ctx, lotID, LotBlocked, reason); err != nil {
		return err
	}
	if s.events != nil {
		return s.events.Emit(ctx, "Lot", lotID, "LotStatusChanged", map[string]any{
			"lot_id": lotID, "new_status": string(LotBlocked), "reason": reason,
		}, userID)
	}
	return nil
}

// UnblockLot releases a quality hold. The registry resolves the target
// status from the remaining quantity.
func (s *Service) UnblockLot(ctx context.Context, lotID, userID string) error {
	lot, err := s.registry.Get(ctx, lotID)
	if err != nil {
		return err
	}
	if lot.Status != LotBlocked {
		return core.BusinessRule("only blocked lots can be unblocked")
	}
	// A hold on an expired lot cannot be lifted back to AVAILABLE.
	if lot.Expired(time.Now().UTC()) {
		return &core.LotExpiredError{
			LotID:      lotID,
			ExpiryDate: lot.ExpiryDate.Format("2006-01-02"),
		}
	}
	if err := s.registry.SetStatus(ctx, lotID, LotAvailable, ""); err != nil {
		return err
	}
	if s.events != nil {
		return s.events.Emit(ctx, "Lot", lotID, "LotStatusChanged", map[string]any{
			"lot_id": lotID, "new_status": string(LotAvailable),
		}, userID)
	}
	return nil
}

// =============================================================================
// STOCK ALERTS
// =============================================================================

type StockStatus string

const (
	StockOK       StockStatus = "OK"
	StockLow      StockStatus = "LOW"
	StockCritical StockStatus = "CRITICAL"
	StockRupture  StockStatus = "RUPTURE"
)

// StatusForLevels grades a stock level against the product thresholds.
func StatusForLevels(current, minStock, reorderPoint decimal.Decimal) StockStatus {
	switch {
	case !current.IsPositive():
		return StockRupture
	case current.LessThan(minStock):
		return StockCritical
	case current.LessThan(reorderPoint):
		return StockLow
	default:
		return StockOK
	}
}

type Alert struct {
	ProductID    string          `json:"product_id"`
	ProductCode  string          `json:"product_code"`
	ProductName  string          `json:"product_name"`
	ProductType  ProductType     `json:"product_type"`
	CurrentStock decimal.Decimal `json:"current_stock"`
	MinStock     decimal.Decimal `json:"min_stock"`
	Deficit      decimal.Decimal `json:"deficit"`
	Status       StockStatus     `json:"status"`
}

type AlertReport struct {
	Ruptures []Alert `json:"ruptures"`
	Critical []Alert `json:"critical"`
	Low      []Alert `json:"low"`
	Expiring []Lot   `json:"expiring"`
}

// StockAlerts grades every product (MP and PF) against its thresholds
// and lists lots expiring within the window.
func (s *Service) StockAlerts(ctx context.Context, expiryDays int) (*AlertReport, error) {
	report := &AlertReport{}

	for _, pt := range []ProductType{ProductMP, ProductPF} {
		products, err := s.catalog.ListProducts(ctx, pt)
		if err != nil {
			return nil, err
		}
		for _, p := range products {
			current, err := s.ledger.Balance(ctx, pt, p.ID)
			if err != nil {
				return nil, err
			}

			reorder := p.ReorderPoint
			if reorder.IsZero() {
				reorder = p.MinStock.Mul(decimal.NewFromFloat(1.5))
			}
			status := StatusForLevels(current, p.MinStock, reorder)
			if status == StockOK {
				continue
			}

			alert := Alert{
				ProductID:    p.ID,
				ProductCode:  p.Code,
				ProductName:  p.Name,
				ProductType:  pt,
				CurrentStock: current,
				MinStock:     p.MinStock,
				Deficit:      decimal.Max(decimal.Zero, p.MinStock.Sub(current)),
				Status:       status,
			}
			switch status {
			case StockRupture:
				report.Ruptures = append(report.Ruptures, alert)
			case StockCritical:
				report.Critical = append(report.Critical, alert)
			case StockLow:
				report.Low = append(report.Low, alert)
			}
		}
	}

	expiring, err := s.ExpiringLots(ctx, expiryDays)
	if err != nil {
		return nil, err
	}
	report.Expiring = expiring
	return report, nil
}

// =============================================================================
// EXPIRY
// =============================================================================

// ExpiringLots returns non-terminal lots expiring within the window.
func (s *Service) ExpiringLots(ctx context.Context, days int) ([]Lot, error) {
	threshold := time.Now().UTC().AddDate(0, 0, days)
	return s.registry.store.LotsExpiringBefore(ctx, threshold)
}

// MarkExpired flips overdue AVAILABLE lots to EXPIRED. Run by the
// background scheduler; returns how many lots were flipped. Ledger
// balances are untouched until an operator declares the loss.
func (s *Service) MarkExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	lots, err := s.registry.store.LotsExpiringBefore(ctx, now)
	if err != nil {
		return 0, err
	}

	flipped := 0
	for _, lot := range lots {
		if lot.Status != LotAvailable || !lot.Expired(now) {
			continue
		}
		if err := s.registry.SetStatus(ctx, lot.ID, LotExpired, ""); err != nil {
			return flipped, err
		}
		if s.events != nil {
			err := s.events.Emit(ctx, "Lot"+string(lot.ProductType), lot.ID, "LotStatusChanged", map[string]any{
				"lot_id":     lot.ID,
				"old_status": string(LotAvailable),
				"new_status": string(LotExpired),
			}, "system")
			if err != nil {
				return flipped, err
			}
		}
		flipped++
	}

	if flipped > 0 {
		s.log.Warn().Int("lots", flipped).Msg("lots marked expired")
	}
	return flipped, nil
}
