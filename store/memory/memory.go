// Package memory provides in-memory Store implementations for tests
// and development. Semantics mirror the SQLite store: idempotency
// uniqueness, FIFO ordering, atomic event versioning, snapshot-based
// transaction rollback.
package memory

import (
	"context"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mokksdz/manchengo/core"
	"github.com/Mokksdz/manchengo/production"
	"github.com/Mokksdz/manchengo/stock"
	"github.com/Mokksdz/manchengo/sync"
)

// Store holds everything in maps guarded by one mutex.
type Store struct {
	mu          gosync.RWMutex
	movements   []stock.Movement
	idempotency map[string]bool
	lots        map[string]stock.Lot

	orders       map[string]production.Order
	consumptions map[string][]production.Consumption
	recipes      map[string]production.Recipe
	sequences    map[string]int

	products map[string]stock.ProductInfo

	events       map[string]sync.Event
	eventOrder   []string
	conflicts    map[string]sync.Conflict
	lastSyncedAt *time.Time
}

func New() *Store {
	return &Store{
		idempotency:  make(map[string]bool),
		lots:         make(map[string]stock.Lot),
		orders:       make(map[string]production.Order),
		consumptions: make(map[string][]production.Consumption),
		recipes:      make(map[string]production.Recipe),
		sequences:    make(map[string]int),
		products:     make(map[string]stock.ProductInfo),
		events:       make(map[string]sync.Event),
		conflicts:    make(map[string]sync.Conflict),
	}
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func (s *Store) InsertMovement(_ context.Context, m stock.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertMovementLocked(m)
}

func (s *Store) insertMovementLocked(m stock.Movement) error {
	if m.IdempotencyKey != "" && s.idempotency[m.IdempotencyKey] {
		return core.ErrDuplicateIdempotencyKey
	}
	s.movements = append(s.movements, m)
	if m.IdempotencyKey != "" {
		s.idempotency[m.IdempotencyKey] = true
	}
	return nil
}

func (s *Store) SumMovements(_ context.Context, pt stock.ProductType, productID string) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, out := decimal.Zero, decimal.Zero
	for _, m := range s.movements {
		if m.ProductType != pt || m.ProductID != productID {
			continue
		}
		if m.Type == stock.MovementIn {
			in = in.Add(m.Quantity)
		} else {
			out = out.Add(m.Quantity)
		}
	}
	return in, out, nil
}

func (s *Store) ListMovements(_ context.Context, f stock.MovementFilter) ([]stock.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []stock.Movement
	for _, m := range s.movements {
		if f.ProductType != "" && m.ProductType != f.ProductType {
			continue
		}
		if f.ProductID != "" && m.ProductID != f.ProductID {
			continue
		}
		if f.LotID != "" && m.LotID != f.LotID {
			continue
		}
		if f.Origin != "" && m.Origin != f.Origin {
			continue
		}
		if f.From != nil && m.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && m.CreatedAt.After(*f.To) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// =============================================================================
// LOTS
// =============================================================================

func (s *Store) InsertLot(_ context.Context, l stock.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lots[l.ID] = l
	return nil
}

func (s *Store) GetLot(_ context.Context, id string) (*stock.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lots[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *Store) AvailableLotsFIFO(_ context.Context, pt stock.ProductType, productID string) ([]stock.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.availableLotsLocked(pt, productID), nil
}

func (s *Store) availableLotsLocked(pt stock.ProductType, productID string) []stock.Lot {
	var lots []stock.Lot
	for _, l := range s.lots {
		if l.ProductType != pt || l.ProductID != productID {
			continue
		}
		if l.Status != stock.LotAvailable {
			continue
		}
		if !l.QuantityRemaining.IsPositive() {
			continue
		}
		lots = append(lots, l)
	}
	sort.Slice(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		if !a.ReceptionDate.Equal(b.ReceptionDate) {
			return a.ReceptionDate.Before(b.ReceptionDate)
		}
		// Expiry tiebreak, NULLs last.
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate != nil:
			return false
		case a.ExpiryDate != nil && b.ExpiryDate == nil:
			return true
		case a.ExpiryDate != nil && b.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
			return a.ExpiryDate.Before(*b.ExpiryDate)
		}
		return a.ID < b.ID
	})
	return lots
}

func (s *Store) UpdateLotQuantity(_ context.Context, id string, remaining decimal.Decimal, status stock.LotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lots[id]
	if !ok {
		return &core.NotFoundError{EntityType: "Lot", ID: id}
	}
	l.QuantityRemaining = remaining
	l.Status = status
	s.lots[id] = l
	return nil
}

func (s *Store) UpdateLotStatus(_ context.Context, id string, status stock.LotStatus, blockedReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lots[id]
	if !ok {
		return &core.NotFoundError{EntityType: "Lot", ID: id}
	}
	l.Status = status
	l.BlockedReason = blockedReason
	s.lots[id] = l
	return nil
}

func (s *Store) LotsExpiringBefore(_ context.Context, threshold time.Time) ([]stock.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lots []stock.Lot
	for _, l := range s.lots {
		if l.ExpiryDate == nil || l.ExpiryDate.After(threshold) {
			continue
		}
		if l.Status == stock.LotConsumed || l.Status == stock.LotExpired {
			continue
		}
		lots = append(lots, l)
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].ExpiryDate.Before(*lots[j].ExpiryDate) })
	return lots, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx simulates a transaction with a snapshot restored on error.
func (s *Store) WithTx(_ context.Context, fn func(stock.Store) error) error {
	s.mu.Lock()
	movements := make([]stock.Movement, len(s.movements))
	copy(movements, s.movements)
	idempotency := make(map[string]bool, len(s.idempotency))
	for k, v := range s.idempotency {
		idempotency[k] = v
	}
	lots := make(map[string]stock.Lot, len(s.lots))
	for k, v := range s.lots {
		lots[k] = v
	}
	s.mu.Unlock()

	if err := fn(&txView{parent: s}); err != nil {
		s.mu.Lock()
		s.movements = movements
		s.idempotency = idempotency
		s.lots = lots
		s.mu.Unlock()
		return err
	}
	return nil
}

// txView writes through to the parent; rollback happens in WithTx.
type txView struct {
	parent *Store
}

func (t *txView) InsertMovement(ctx context.Context, m stock.Movement) error {
	return t.parent.InsertMovement(ctx, m)
}
func (t *txView) SumMovements(ctx context.Context, pt stock.ProductType, productID string) (decimal.Decimal, decimal.Decimal, error) {
	return t.parent.SumMovements(ctx, pt, productID)
}
func (t *txView) ListMovements(ctx context.Context, f stock.MovementFilter) ([]stock.Movement, error) {
	return t.parent.ListMovements(ctx, f)
}
func (t *txView) InsertLot(ctx context.Context, l stock.Lot) error {
	return t.parent.InsertLot(ctx, l)
}
func (t *txView) GetLot(ctx context.Context, id string) (*stock.Lot, error) {
	return t.parent.GetLot(ctx, id)
}
func (t *txView) AvailableLotsFIFO(ctx context.Context, pt stock.ProductType, productID string) ([]stock.Lot, error) {
	return t.parent.AvailableLotsFIFO(ctx, pt, productID)
}
func (t *txView) UpdateLotQuantity(ctx context.Context, id string, remaining decimal.Decimal, status stock.LotStatus) error {
	return t.parent.UpdateLotQuantity(ctx, id, remaining, status)
}
func (t *txView) UpdateLotStatus(ctx context.Context, id string, status stock.LotStatus, blockedReason string) error {
	return t.parent.UpdateLotStatus(ctx, id, status, blockedReason)
}
func (t *txView) LotsExpiringBefore(ctx context.Context, threshold time.Time) ([]stock.Lot, error) {
	return t.parent.LotsExpiringBefore(ctx, threshold)
}

// =============================================================================
// PRODUCTION
// =============================================================================

func (s *Store) InsertOrder(_ context.Context, o production.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*production.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *Store) UpdateOrder(_ context.Context, o production.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; !ok {
		return &core.NotFoundError{EntityType: "ProductionOrder", ID: o.ID}
	}
	s.orders[o.ID] = o
	return nil
}

func (s *Store) ListOrders(_ context.Context, f production.OrderFilter) ([]production.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []production.Order
	for _, o := range s.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.From != nil && o.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && o.CreatedAt.After(*f.To) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) InsertConsumption(_ context.Context, c production.Consumption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumptions[c.OrderID] = append(s.consumptions[c.OrderID], c)
	return nil
}

func (s *Store) ListConsumptions(_ context.Context, orderID string) ([]production.Consumption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]production.Consumption(nil), s.consumptions[orderID]...), nil
}

func (s *Store) NextSequence(_ context.Context, scope string, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scope + "/" + day.UTC().Format("2006-01-02")
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) SaveRecipe(_ context.Context, r production.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipes[r.ID] = r
	return nil
}

func (s *Store) GetRecipe(_ context.Context, id string) (*production.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.recipes[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) ActiveRecipe(_ context.Context, productPFID string) (*production.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.recipes {
		if r.ProductPFID == productPFID && r.Active {
			out := r
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) ListRecipes(_ context.Context, activeOnly bool) ([]production.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []production.Recipe
	for _, r := range s.recipes {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (s *Store) SaveProduct(pt stock.ProductType, p stock.ProductInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[string(pt)+"/"+p.ID] = p
}

func (s *Store) GetProduct(_ context.Context, pt stock.ProductType, id string) (*stock.ProductInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[string(pt)+"/"+id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) ListProducts(_ context.Context, pt stock.ProductType) ([]stock.ProductInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []stock.ProductInfo
	prefix := string(pt) + "/"
	for key, p := range s.products {
		if strings.HasPrefix(key, prefix) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (s *Store) Append(_ context.Context, e sync.Event) (sync.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max int64
	for _, ev := range s.events {
		if ev.AggregateType == e.AggregateType && ev.AggregateID == e.AggregateID && ev.Version > max {
			max = ev.Version
		}
	}
	e.Version = max + 1
	s.events[e.ID] = e
	s.eventOrder = append(s.eventOrder, e.ID)
	return e, nil
}

func (s *Store) InsertRemote(_ context.Context, e sync.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if ev.AggregateType == e.AggregateType && ev.AggregateID == e.AggregateID &&
			ev.Version == e.Version && ev.ID != e.ID {
			// An event parked in CONFLICT no longer holds its slot.
			if ev.SyncStatus == sync.SyncConflict || e.SyncStatus == sync.SyncConflict {
				continue
			}
			return core.SyncError("version %d already taken for %s/%s",
				e.Version, e.AggregateType, e.AggregateID)
		}
	}
	s.events[e.ID] = e
	s.eventOrder = append(s.eventOrder, e.ID)
	return nil
}

func (s *Store) GetEvent(_ context.Context, id string) (*sync.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *Store) EventsForAggregate(_ context.Context, aggregateType, aggregateID string) ([]sync.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []sync.Event
	for _, id := range s.eventOrder {
		e := s.events[id]
		if e.AggregateType == aggregateType && e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *Store) EventAtVersion(_ context.Context, aggregateType, aggregateID string, version int64) (*sync.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.events {
		if e.AggregateType == aggregateType && e.AggregateID == aggregateID &&
			e.Version == version && e.SyncStatus != sync.SyncConflict {
			return &e, nil
		}
	}
	return nil, nil
}

func (s *Store) PendingEvents(_ context.Context, limit int) ([]sync.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []sync.Event
	for _, id := range s.eventOrder {
		e := s.events[id]
		if e.SyncStatus == sync.SyncPending {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkSynced(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if e, ok := s.events[id]; ok {
			e.SyncStatus = sync.SyncSynced
			t := at
			e.SyncedAt = &t
			s.events[id] = e
		}
	}
	return nil
}

func (s *Store) SetSyncStatus(_ context.Context, id string, status sync.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return &core.NotFoundError{EntityType: "Event", ID: id}
	}
	e.SyncStatus = status
	s.events[id] = e
	return nil
}

// =============================================================================
// CONFLICTS + WATERMARK
// =============================================================================

func (s *Store) InsertConflict(_ context.Context, c sync.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[c.ID] = c
	return nil
}

func (s *Store) GetConflict(_ context.Context, id string) (*sync.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conflicts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) ListConflicts(_ context.Context, pendingOnly bool) ([]sync.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []sync.Conflict
	for _, c := range s.conflicts {
		if pendingOnly && c.Resolved {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (s *Store) MarkResolved(_ context.Context, id string, winner sync.Winner, resolvedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok {
		return &core.NotFoundError{EntityType: "Conflict", ID: id}
	}
	c.Resolved = true
	c.Winner = winner
	c.ResolvedBy = resolvedBy
	t := at
	c.ResolvedAt = &t
	s.conflicts[id] = c
	return nil
}

func (s *Store) LastSyncedAt(_ context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSyncedAt, nil
}

func (s *Store) SetLastSyncedAt(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSyncedAt = &t
	return nil
}
