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

func newTestEngine(t *testing.T) (*stock.Engine, *stock.Registry, *sqlite.Store) {
	store := newTestStore(t)
	engine := stock.NewEngine(store, nil, zerolog.Nop())
	registry := stock.NewRegistry(store, zerolog.Nop())
	return engine, registry, store
}

func seedLot(t *testing.T, registry *stock.Registry, productID string, qty int64, receivedDaysAgo int, expiry *time.Time) string {
	t.Helper()
	id, err := registry.Create(context.Background(), stock.Lot{
		LotNumber:       "LOT-" + core.NewID()[:8],
		ProductType:     stock.ProductMP,
		ProductID:       productID,
		QuantityInitial: decimal.NewFromInt(qty),
		UnitCost:        core.MoneyFromDZD(250),
		ReceptionDate:   time.Now().UTC().AddDate(0, 0, -receivedDaysAgo),
		ExpiryDate:      expiry,
	})
	require.NoError(t, err)
	return id
}

func consumeReq(productID string, qty int64) stock.ConsumeRequest {
	return stock.ConsumeRequest{
		ProductType:   stock.ProductMP,
		ProductID:     productID,
		Quantity:      decimal.NewFromInt(qty),
		Origin:        stock.OriginProductionOut,
		ReferenceType: stock.RefProductionOrder,
		ReferenceID:   "op-1",
		UserID:        "user-1",
	}
}

// =============================================================================
// FIFO ORDERING
// =============================================================================

func TestEngine_Consume_OldestReceptionFirst(t *testing.T) {
	// GIVEN: lot A received 10 days ago, lot B received 2 days ago
	// WHEN: consuming less than lot A holds
	// THEN: only lot A is drawn

	engine, registry, _ := newTestEngine(t)
	ctx := context.Background()

	oldLot := seedLot(t, registry, "mp-milk", 100, 10, nil)
	newLot := seedLot(t, registry, "mp-milk", 100, 2, nil)

	result, err := engine.Consume(ctx, consumeReq("mp-milk", 60))
	require.NoError(t, err)

	require.Len(t, result.Consumptions, 1)
	assert.Equal(t, oldLot, result.Consumptions[0].LotID)

	untouched, err := registry.Get(ctx, newLot)
	require.NoError(t, err)
	assert.True(t, untouched.QuantityRemaining.Equal(decimal.NewFromInt(100)))
}

func TestEngine_Consume_ExpiryBreaksReceptionTies(t *testing.T) {
	// GIVEN: two lots received the same day, one expiring sooner
	// THEN: the sooner-expiring lot is drawn first

	engine, registry, _ := newTestEngine(t)
	ctx := context.Background()

	soon := time.Now().UTC().AddDate(0, 0, 5)
	late := time.Now().UTC().AddDate(0, 0, 60)
	lateLot := seedLot(t, registry, "mp-cream", 50, 7, &late)
	soonLot := seedLot(t, registry, "mp-cream", 50, 7, &soon)

	result, err := engine.Consume(ctx, consumeReq("mp-cream", 30))
	require.NoError(t, err)

	require.Len(t, result.Consumptions, 1)
	assert.Equal(t, soonLot, result.Consumptions[0].LotID)
	_ = lateLot
}

func TestEngine_Consume_SpansMultipleLots(t *testing.T) {
	// GIVEN: three lots of 40 each, oldest first
	// WHEN: consuming 100
	// THEN: first two drained, third partially drawn

	engine, registry, _ := newTestEngine(t)
	ctx := context.Background()

	first := seedLot(t, registry, "mp-sugar", 40, 30, nil)
	second := seedLot(t, registry, "mp-sugar", 40, 20, nil)
	third := seedLot(t, registry, "mp-sugar", 40, 10, nil)

	result, err := engine.Consume(ctx, consumeReq("mp-sugar", 100))
	require.NoError(t, err)

	require.Len(t, result.Consumptions, 3)
	assert.Equal(t, []string{first, second, third}, []string{
		result.Consumptions[0].LotID,
		result.Consumptions[1].LotID,
		result.Consumptions[2].LotID,
	})
	assert.True(t, result.Consumptions[0].LotDepleted)
	assert.True(t, result.Consumptions[1].LotDepleted)
	assert.False(t, result.Consumptions[2].LotDepleted)
	assert.True(t, result.Consumptions[2].QuantityConsumed.Equal(decimal.NewFromInt(20)))

	firstLot, err := registry.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, stock.LotConsumed, firstLot.Status)
	assert.True(t, firstLot.QuantityRemaining.IsZero())
}

// =============================================================================
// ALL-OR-NOTHING
// =============================================================================

func TestEngine_Consume_InsufficientStock_NothingCommitted(t *testing.T) {
	// GIVEN: 30 units available across two lots
	// WHEN: consuming 50
	// THEN: InsufficientStockError, and neither lots nor ledger moved

	engine, registry, store := newTestEngine(t)
	ctx := context.Background()

	a := seedLot(t, registry, "mp-ferment", 20, 10, nil)
	b := seedLot(t, registry, "mp-ferment", 10, 5, nil)

	_, err := engine.Consume(ctx, consumeReq("mp-ferment", 50))
	require.Error(t, err)

	var insufficient *core.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Required.Equal(decimal.NewFromInt(50)))
	assert.True(t, insufficient.Available.Equal(decimal.NewFromInt(30)))
	assert.True(t, insufficient.Shortage().Equal(decimal.NewFromInt(20)))

	for _, id := range []string{a, b} {
		lot, err := registry.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, lot.QuantityRemaining.Equal(lot.QuantityInitial), "lot %s must be untouched", id)
	}

	movements, err := store.ListMovements(ctx, stock.MovementFilter{ProductID: "mp-ferment"})
	require.NoError(t, err)
	assert.Empty(t, movements, "no movements may be committed on failure")
}

// =============================================================================
// CONSERVATION
// =============================================================================

func TestEngine_Consume_MovementsMatchDecrements(t *testing.T) {
	// Sum of OUT movements equals the consumed quantity, and lot
	// remainders drop by exactly the same total.

	engine, registry, store := newTestEngine(t)
	ctx := context.Background()
	ledger := stock.NewLedger(store, zerolog.Nop())

	seedLot(t, registry, "mp-salt", 25, 4, nil)
	seedLot(t, registry, "mp-salt", 25, 2, nil)

	_, err := engine.Consume(ctx, consumeReq("mp-salt", 33))
	require.NoError(t, err)

	movements, err := store.ListMovements(ctx, stock.MovementFilter{
		ProductID: "mp-salt",
		Origin:    stock.OriginProductionOut,
	})
	require.NoError(t, err)

	outTotal := decimal.Zero
	for _, m := range movements {
		assert.Equal(t, stock.MovementOut, m.Type)
		outTotal = outTotal.Add(m.Quantity)
	}
	assert.True(t, outTotal.Equal(decimal.NewFromInt(33)))

	// No IN movements exist, so the ledger balance goes negative by
	// exactly the consumed amount.
	balance, err := ledger.Balance(ctx, stock.ProductMP, "mp-salt")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(-33)))
}

// =============================================================================
// PREVIEW
// =============================================================================

func TestEngine_Preview_MatchesConsume(t *testing.T) {
	// A preview followed by a consume with no writes in between must
	// produce the identical lot breakdown.

	engine, registry, _ := newTestEngine(t)
	ctx := context.Background()

	seedLot(t, registry, "mp-milk", 40, 9, nil)
	seedLot(t, registry, "mp-milk", 40, 3, nil)

	preview, err := engine.Preview(ctx, stock.ProductMP, "mp-milk", decimal.NewFromInt(55))
	require.NoError(t, err)
	require.True(t, preview.CanFulfill)
	require.Len(t, preview.Lots, 2)

	result, err := engine.Consume(ctx, consumeReq("mp-milk", 55))
	require.NoError(t, err)
	require.Len(t, result.Consumptions, len(preview.Lots))

	for i := range preview.Lots {
		assert.Equal(t, preview.Lots[i].LotID, result.Consumptions[i].LotID)
		assert.True(t, preview.Lots[i].QuantityToConsume.Equal(result.Consumptions[i].QuantityConsumed))
	}
}

func TestEngine_Preview_ReportsShortage(t *testing.T) {
	engine, registry, _ := newTestEngine(t)
	ctx := context.Background()

	seedLot(t, registry, "mp-cream", 10, 1, nil)

	preview, err := engine.Preview(ctx, stock.ProductMP, "mp-cream", decimal.NewFromInt(25))
	require.NoError(t, err)
	assert.False(t, preview.CanFulfill)
	assert.True(t, preview.Shortage.Equal(decimal.NewFromInt(15)))
	assert.True(t, preview.AvailableQuantity.Equal(decimal.NewFromInt(10)))
}

func TestEngine_Preview_WritesNothing(t *testing.T) {
	engine, registry, store := newTestEngine(t)
	ctx := context.Background()

	id := seedLot(t, registry, "mp-milk", 40, 2, nil)

	_, err := engine.Preview(ctx, stock.ProductMP, "mp-milk", decimal.NewFromInt(10))
	require.NoError(t, err)

	lot, err := registry.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, lot.QuantityRemaining.Equal(decimal.NewFromInt(40)))

	movements, err := store.ListMovements(ctx, stock.MovementFilter{ProductID: "mp-milk"})
	require.NoError(t, err)
	assert.Empty(t, movements)
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

func TestEngine_Consume_SkipsBlockedAndExpiredLots(t *testing.T) {
	// Blocked and expired lots are invisible to the engine even when
	// they hold quantity.

	engine, registry, _ := newTestEngine(t)
	ctx := context.Background()

	blocked := seedLot(t, registry, "mp-milk", 100, 10, nil)
	require.NoError(t, registry.SetStatus(ctx, blocked, stock.LotBlocked, "quality hold"))
	expired := seedLot(t, registry, "mp-milk", 100, 8, nil)
	require.NoError(t, registry.SetStatus(ctx, expired, stock.LotExpired, ""))
	available := seedLot(t, registry, "mp-milk", 30, 1, nil)

	result, err := engine.Consume(ctx, consumeReq("mp-milk", 20))
	require.NoError(t, err)
	require.Len(t, result.Consumptions, 1)
	assert.Equal(t, available, result.Consumptions[0].LotID)

	_, err = engine.Consume(ctx, consumeReq("mp-milk", 50))
	var insufficient *core.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(decimal.NewFromInt(10)))
}

func TestEngine_Consume_SkipsReservedLots(t *testing.T) {
	// GIVEN: a RESERVED lot holding plenty and nothing else
	// WHEN: consuming
	// THEN: insufficient stock; the reserved lot is never drawn

	engine, registry, _ := newTestEngine(t)
	ctx := context.Background()

	reserved := seedLot(t, registry, "mp-milk", 100, 5, nil)
	require.NoError(t, registry.SetStatus(ctx, reserved, stock.LotReserved, ""))

	_, err := engine.Consume(ctx, consumeReq("mp-milk", 40))
	require.Error(t, err)
	var insufficient *core.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.IsZero())

	lot, err := registry.Get(ctx, reserved)
	require.NoError(t, err)
	assert.True(t, lot.QuantityRemaining.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, stock.LotReserved, lot.Status)
}

// =============================================================================
// BATCH CONSUMPTION
// =============================================================================

func TestEngine_ConsumeAll_AllOrNothingAcrossProducts(t *testing.T) {
	// GIVEN: enough milk but not enough ferment
	// WHEN: consuming both in one batch
	// THEN: the whole batch rolls back; milk stays untouched

	engine, registry, store := newTestEngine(t)
	ctx := context.Background()

	milk := seedLot(t, registry, "mp-milk", 100, 5, nil)
	seedLot(t, registry, "mp-ferment", 1, 5, nil)

	_, err := engine.ConsumeAll(ctx, []stock.ConsumeRequest{
		consumeReq("mp-milk", 40),
		consumeReq("mp-ferment", 3),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInsufficientStock)

	lot, err := registry.Get(ctx, milk)
	require.NoError(t, err)
	assert.True(t, lot.QuantityRemaining.Equal(decimal.NewFromInt(100)), "the earlier draw must roll back with the failed one")

	movements, err := store.ListMovements(ctx, stock.MovementFilter{ProductID: "mp-milk"})
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestEngine_ConsumeAll_CommitsInRequestOrder(t *testing.T) {
	engine, registry, _ := newTestEngine(t)
	ctx := context.Background()

	seedLot(t, registry, "mp-milk", 100, 5, nil)
	seedLot(t, registry, "mp-ferment", 5, 5, nil)

	results, err := engine.ConsumeAll(ctx, []stock.ConsumeRequest{
		consumeReq("mp-milk", 40),
		consumeReq("mp-ferment", 3),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].TotalConsumed.Equal(decimal.NewFromInt(40)))
	assert.True(t, results[1].TotalConsumed.Equal(decimal.NewFromInt(3)))
}
