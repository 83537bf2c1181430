package stock_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mokksdz/manchengo/core"
	"github.com/Mokksdz/manchengo/stock"
	"github.com/Mokksdz/manchengo/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T) (*stock.Service, *sqlite.Store) {
	store := newTestStore(t)
	ledger := stock.NewLedger(store, zerolog.Nop())
	registry := stock.NewRegistry(store, zerolog.Nop())
	engine := stock.NewEngine(store, nil, zerolog.Nop())
	service := stock.NewService(ledger, registry, engine, store, store, nil, zerolog.Nop())

	require.NoError(t, store.SaveProduct(context.Background(), sqlite.Product{
		ID:          "mp-milk",
		ProductType: stock.ProductMP,
		Code:        "MP-LAIT",
		Name:        "Lait cru",
		Unit:        "L",
		MinStock:    decimal.NewFromInt(50),
	}))
	return service, store
}

// =============================================================================
// RECEPTION
// =============================================================================

func TestService_Reception_CreatesLotAndMovementPerLine(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()

	expiry := time.Now().UTC().AddDate(0, 0, 10)
	result, err := service.Reception(ctx, stock.CreateReception{
		SupplierID: "sup-1",
		Lines: []stock.ReceptionLine{
			{ProductMPID: "mp-milk", Quantity: decimal.NewFromInt(200), UnitCost: core.MoneyFromDZD(85), ExpiryDate: &expiry},
		},
	}, "user-1")
	require.NoError(t, err)

	require.Len(t, result.Lines, 1)
	assert.NotEmpty(t, result.Lines[0].LotID)
	// 200 x 85.00 DZD = 1_700_000 centimes
	assert.Equal(t, int64(1_700_000), result.TotalHT)
	assert.Contains(t, result.Reference, "REC-")

	balance, err := service.Ledger().Balance(ctx, stock.ProductMP, "mp-milk")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(200)))

	lot, err := service.Registry().Get(ctx, result.Lines[0].LotID)
	require.NoError(t, err)
	assert.Equal(t, stock.LotAvailable, lot.Status)
	assert.Equal(t, "sup-1", lot.SupplierID)
	_ = store
}

func TestService_Reception_UnknownProductRejected(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.Reception(context.Background(), stock.CreateReception{
		SupplierID: "sup-1",
		Lines: []stock.ReceptionLine{
			{ProductMPID: "mp-ghost", Quantity: decimal.NewFromInt(5), UnitCost: core.MoneyFromDZD(10)},
		},
	}, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestService_Reception_NoLinesRejected(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.Reception(context.Background(), stock.CreateReception{SupplierID: "sup-1"}, "user-1")
	assert.ErrorIs(t, err, core.ErrBusinessRule)
}

func TestService_Reception_ReferencesCountUpPerDay(t *testing.T) {
	// References come from the durable per-day counter, never a random
	// draw, so two receptions on the same day never collide.

	service, _ := newTestService(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	line := []stock.ReceptionLine{
		{ProductMPID: "mp-milk", Quantity: decimal.NewFromInt(10), UnitCost: core.MoneyFromDZD(85)},
	}
	first, err := service.Reception(ctx, stock.CreateReception{SupplierID: "sup-1", Date: day, Lines: line}, "user-1")
	require.NoError(t, err)
	second, err := service.Reception(ctx, stock.CreateReception{SupplierID: "sup-1", Date: day, Lines: line}, "user-1")
	require.NoError(t, err)

	assert.Equal(t, "REC-20260314-001", first.Reference)
	assert.Equal(t, "REC-20260314-002", second.Reference)
}

// =============================================================================
// ADJUSTMENT
// =============================================================================

func TestService_Adjust_RecordsDifferenceOnly(t *testing.T) {
	// GIVEN: computed stock 100
	// WHEN: physical count says 93
	// THEN: one OUT movement of 7, new balance 93

	service, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.Reception(ctx, stock.CreateReception{
		SupplierID: "sup-1",
		Lines: []stock.ReceptionLine{
			{ProductMPID: "mp-milk", Quantity: decimal.NewFromInt(100), UnitCost: core.MoneyFromDZD(85)},
		},
	}, "user-1")
	require.NoError(t, err)

	result, err := service.Adjust(ctx, stock.AdjustInventory{
		ProductType:      stock.ProductMP,
		ProductID:        "mp-milk",
		PhysicalQuantity: decimal.NewFromInt(93),
		Reason:           "monthly physical count",
	}, "user-1")
	require.NoError(t, err)

	assert.Equal(t, stock.MovementOut, result.Type)
	assert.True(t, result.Difference.Equal(decimal.NewFromInt(-7)))

	balance, err := service.Ledger().Balance(ctx, stock.ProductMP, "mp-milk")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(93)))
}

func TestService_Adjust_ShortReasonRejected(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.Adjust(context.Background(), stock.AdjustInventory{
		ProductType:      stock.ProductMP,
		ProductID:        "mp-milk",
		PhysicalQuantity: decimal.NewFromInt(10),
		Reason:           "bad",
	}, "user-1")
	assert.ErrorIs(t, err, core.ErrBusinessRule)
}

func TestService_Adjust_NoDifferenceRejected(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.Adjust(ctx, stock.AdjustInventory{
		ProductType:      stock.ProductMP,
		ProductID:        "mp-milk",
		PhysicalQuantity: decimal.Zero,
		Reason:           "count matches",
	}, "user-1")
	assert.ErrorIs(t, err, core.ErrBusinessRule)
}

// =============================================================================
// LOSS
// =============================================================================

func TestService_Loss_DecrementsLotAndLedger(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	rec, err := service.Reception(ctx, stock.CreateReception{
		SupplierID: "sup-1",
		Lines: []stock.ReceptionLine{
			{ProductMPID: "mp-milk", Quantity: decimal.NewFromInt(50), UnitCost: core.MoneyFromDZD(85)},
		},
	}, "user-1")
	require.NoError(t, err)
	lotID := rec.Lines[0].LotID

	result, err := service.Loss(ctx, stock.DeclareLoss{
		ProductType: stock.ProductMP,
		ProductID:   "mp-milk",
		LotID:       lotID,
		Quantity:    decimal.NewFromInt(8),
		Reason:      "spill",
		Description: "dropped container",
	}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, stock.OriginPerte, result.Origin)

	lot, err := service.Registry().Get(ctx, lotID)
	require.NoError(t, err)
	assert.True(t, lot.QuantityRemaining.Equal(decimal.NewFromInt(42)))

	balance, err := service.Ledger().Balance(ctx, stock.ProductMP, "mp-milk")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(42)))
}

func TestService_Loss_OnExpiredLot_TaggedExpiry(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	past := time.Now().UTC().AddDate(0, 0, -1)
	rec, err := service.Reception(ctx, stock.CreateReception{
		SupplierID: "sup-1",
		Lines: []stock.ReceptionLine{
			{ProductMPID: "mp-milk", Quantity: decimal.NewFromInt(20), UnitCost: core.MoneyFromDZD(85), ExpiryDate: &past},
		},
	}, "user-1")
	require.NoError(t, err)

	result, err := service.Loss(ctx, stock.DeclareLoss{
		ProductType: stock.ProductMP,
		ProductID:   "mp-milk",
		LotID:       rec.Lines[0].LotID,
		Quantity:    decimal.NewFromInt(20),
		Reason:      "expired stock disposal",
	}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, stock.OriginExpiry, result.Origin)
}

// =============================================================================
// QUALITY HOLD
// =============================================================================

func TestService_UnblockLot_ExpiredStaysBlocked(t *testing.T) {
	// GIVEN: a blocked lot whose expiry date has passed
	// WHEN: releasing the hold
	// THEN: LotExpiredError; the lot never returns to AVAILABLE

	service, _ := newTestService(t)
	ctx := context.Background()

	past := time.Now().UTC().AddDate(0, 0, -3)
	rec, err := service.Reception(ctx, stock.CreateReception{
		SupplierID: "sup-1",
		Lines: []stock.ReceptionLine{
			{ProductMPID: "mp-milk", Quantity: decimal.NewFromInt(40), UnitCost: core.MoneyFromDZD(85), ExpiryDate: &past},
		},
	}, "user-1")
	require.NoError(t, err)
	lotID := rec.Lines[0].LotID

	require.NoError(t, service.BlockLot(ctx, lotID, "suspect batch", "user-1"))

	err = service.UnblockLot(ctx, lotID, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrLotExpired)

	lot, err := service.Registry().Get(ctx, lotID)
	require.NoError(t, err)
	assert.Equal(t, stock.LotBlocked, lot.Status)
}

// =============================================================================
// EXPIRY SWEEP
// =============================================================================

func TestService_MarkExpired_FlipsOnlyOverdueAvailableLots(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	past := time.Now().UTC().AddDate(0, 0, -2)
	future := time.Now().UTC().AddDate(0, 0, 30)
	rec, err := service.Reception(ctx, stock.CreateReception{
		SupplierID: "sup-1",
		Lines: []stock.ReceptionLine{
			{ProductMPID: "mp-milk", Quantity: decimal.NewFromInt(10), UnitCost: core.MoneyFromDZD(85), ExpiryDate: &past},
			{ProductMPID: "mp-milk", Quantity: decimal.NewFromInt(10), UnitCost: core.MoneyFromDZD(85), ExpiryDate: &future},
		},
	}, "user-1")
	require.NoError(t, err)

	flipped, err := service.MarkExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, flipped)

	expiredLot, err := service.Registry().Get(ctx, rec.Lines[0].LotID)
	require.NoError(t, err)
	assert.Equal(t, stock.LotExpired, expiredLot.Status)
	// Ledger untouched: expiry changes status, not quantities.
	assert.True(t, expiredLot.QuantityRemaining.Equal(decimal.NewFromInt(10)))

	freshLot, err := service.Registry().Get(ctx, rec.Lines[1].LotID)
	require.NoError(t, err)
	assert.Equal(t, stock.LotAvailable, freshLot.Status)

	balance, err := service.Ledger().Balance(ctx, stock.ProductMP, "mp-milk")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(20)))
}

// =============================================================================
// STOCK ALERTS
// =============================================================================

func TestService_StockAlerts_GradesByThresholds(t *testing.T) {
	// GIVEN: min_stock 50 for milk, nothing received for cream
	// WHEN: milk sits at 30 (below min) and cream at 0
	// THEN: milk is CRITICAL, cream is RUPTURE

	service, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.SaveProduct(ctx, sqlite.Product{
		ID:          "mp-cream",
		ProductType: stock.ProductMP,
		Code:        "MP-CREME",
		Name:        "Creme fraiche",
		Unit:        "L",
		MinStock:    decimal.NewFromInt(10),
	}))

	_, err := service.Reception(ctx, stock.CreateReception{
		SupplierID: "sup-1",
		Lines: []stock.ReceptionLine{
			{ProductMPID: "mp-milk", Quantity: decimal.NewFromInt(30), UnitCost: core.MoneyFromDZD(85)},
		},
	}, "user-1")
	require.NoError(t, err)

	report, err := service.StockAlerts(ctx, 30)
	require.NoError(t, err)

	require.Len(t, report.Critical, 1)
	assert.Equal(t, "mp-milk", report.Critical[0].ProductID)
	assert.Equal(t, stock.StockCritical, report.Critical[0].Status)
	assert.True(t, report.Critical[0].Deficit.Equal(decimal.NewFromInt(20)))

	require.Len(t, report.Ruptures, 1)
	assert.Equal(t, "mp-cream", report.Ruptures[0].ProductID)
	assert.Empty(t, report.Low)
}

func TestService_StockAlerts_LowBelowReorderPoint(t *testing.T) {
	// min_stock 50, default reorder point 75: a stock of 60 is LOW

	service, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.Reception(ctx, stock.CreateReception{
		SupplierID: "sup-1",
		Lines: []stock.ReceptionLine{
			{ProductMPID: "mp-milk", Quantity: decimal.NewFromInt(60), UnitCost: core.MoneyFromDZD(85)},
		},
	}, "user-1")
	require.NoError(t, err)

	report, err := service.StockAlerts(ctx, 30)
	require.NoError(t, err)

	require.Len(t, report.Low, 1)
	assert.Equal(t, stock.StockLow, report.Low[0].Status)
	assert.Empty(t, report.Ruptures)
	assert.Empty(t, report.Critical)
}

func TestService_StockAlerts_IncludesExpiringLots(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	soon := time.Now().UTC().AddDate(0, 0, 3)
	_, err := service.Reception(ctx, stock.CreateReception{
		SupplierID: "sup-1",
		Lines: []stock.ReceptionLine{
			{ProductMPID: "mp-milk", Quantity: decimal.NewFromInt(100), UnitCost: core.MoneyFromDZD(85), ExpiryDate: &soon},
		},
	}, "user-1")
	require.NoError(t, err)

	report, err := service.StockAlerts(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, report.Expiring, 1)
}
