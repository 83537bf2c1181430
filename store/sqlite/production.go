/*
production.go - production.Store and production.RecipeSource

Recipe lines live as a JSON column: recipes are tiny, read-mostly, and
never queried by line.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mokksdz/manchengo/core"
	"github.com/Mokksdz/manchengo/production"
)

// =============================================================================
// ORDERS
// =============================================================================

const orderColumns = `id, reference, recipe_id, product_pf_id, batch_count, scheduled_date,
	target_quantity, produced_quantity,
	status, output_lot_id, note, created_by, created_at, started_at, completed_at,
	cancelled_at, cancel_reason, stock_reversed`

func (s *Store) InsertOrder(ctx context.Context, o production.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO production_orders (` + orderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		o.ID, o.Reference, o.RecipeID, o.ProductPFID,
		o.BatchCount, nullTime(o.ScheduledDate),
		o.TargetQuantity.String(), o.ProducedQty.String(),
		string(o.Status), nullString(o.OutputLotID), nullString(o.Note),
		nullString(o.CreatedBy), o.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullTime(o.StartedAt), nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		nullString(o.CancelReason), boolInt(o.StockReversed),
	)
	if err != nil {
		return core.DatabaseError(fmt.Errorf("insert order: %w", err))
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*production.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM production_orders WHERE id = ?`, id)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	o, err := scanOrder(rows)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) UpdateOrder(ctx context.Context, o production.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE production_orders SET
			produced_quantity = ?, status = ?, output_lot_id = ?,
			started_at = ?, completed_at = ?, cancelled_at = ?,
			cancel_reason = ?, stock_reversed = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		o.ProducedQty.String(), string(o.Status), nullString(o.OutputLotID),
		nullTime(o.StartedAt), nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		nullString(o.CancelReason), boolInt(o.StockReversed), o.ID,
	)
	if err != nil {
		return wrapDB(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDB(err)
	}
	if n == 0 {
		return &core.NotFoundError{EntityType: "ProductionOrder", ID: o.ID}
	}
	return nil
}

func (s *Store) ListOrders(ctx context.Context, f production.OrderFilter) ([]production.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + orderColumns + ` FROM production_orders WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.From != nil {
		query += " AND created_at >= ?"
		args = append(args, f.From.UTC().Format(time.RFC3339Nano))
	}
	if f.To != nil {
		query += " AND created_at <= ?"
		args = append(args, f.To.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var orders []production.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, wrapDB(rows.Err())
}

func scanOrder(rows *sql.Rows) (production.Order, error) {
	var (
		o            production.Order
		scheduled    sql.NullString
		target       string
		produced     string
		status       string
		outputLot    sql.NullString
		note         sql.NullString
		createdBy    sql.NullString
		createdAt    string
		startedAt    sql.NullString
		completedAt  sql.NullString
		cancelledAt  sql.NullString
		cancelReason sql.NullString
		reversed     int
	)
	err := rows.Scan(&o.ID, &o.Reference, &o.RecipeID, &o.ProductPFID, &o.BatchCount, &scheduled,
		&target, &produced,
		&status, &outputLot, &note, &createdBy, &createdAt, &startedAt, &completedAt,
		&cancelledAt, &cancelReason, &reversed)
	if err != nil {
		return o, wrapDB(err)
	}
	if o.ScheduledDate, err = parseNullTime(scheduled); err != nil {
		return o, err
	}

	if o.Status, err = production.ParseStatus(status); err != nil {
		return o, err
	}
	if o.TargetQuantity, err = decimal.NewFromString(target); err != nil {
		return o, core.DatabaseError(fmt.Errorf("corrupt quantity %q: %w", target, err))
	}
	if o.ProducedQty, err = decimal.NewFromString(produced); err != nil {
		return o, core.DatabaseError(fmt.Errorf("corrupt quantity %q: %w", produced, err))
	}
	o.OutputLotID = outputLot.String
	o.Note = note.String
	o.CreatedBy = createdBy.String
	o.CancelReason = cancelReason.String
	o.StockReversed = reversed != 0
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return o, core.DatabaseError(fmt.Errorf("corrupt timestamp %q: %w", createdAt, err))
	}
	if o.StartedAt, err = parseNullTime(startedAt); err != nil {
		return o, err
	}
	if o.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return o, err
	}
	if o.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return o, err
	}
	return o, nil
}

// =============================================================================
// CONSUMPTIONS
// =============================================================================

func (s *Store) InsertConsumption(ctx context.Context, c production.Consumption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO production_consumptions (id, order_id, product_mp_id, lot_id, quantity, unit_cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.OrderID, c.ProductMPID, c.LotID,
		c.Quantity.String(), c.UnitCost.Centimes(),
		c.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return core.DatabaseError(fmt.Errorf("insert consumption: %w", err))
	}
	return nil
}

func (s *Store) ListConsumptions(ctx context.Context, orderID string) ([]production.Consumption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, order_id, product_mp_id, lot_id, quantity, unit_cost, created_at
		FROM production_consumptions WHERE order_id = ? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var out []production.Consumption
	for rows.Next() {
		var (
			c         production.Consumption
			qty       string
			unitCost  int64
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.OrderID, &c.ProductMPID, &c.LotID, &qty, &unitCost, &createdAt); err != nil {
			return nil, wrapDB(err)
		}
		if c.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, core.DatabaseError(fmt.Errorf("corrupt quantity %q: %w", qty, err))
		}
		c.UnitCost = core.MoneyFromCentimes(unitCost)
		if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, core.DatabaseError(fmt.Errorf("corrupt timestamp %q: %w", createdAt, err))
		}
		out = append(out, c)
	}
	return out, wrapDB(rows.Err())
}

// NextSequence bumps and returns the per-day counter for a scope: PROD
// for order references, PF for output lots, REC for receptions.
func (s *Store) NextSequence(ctx context.Context, scope string, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := day.UTC().Format("2006-01-02")
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequences (scope, day, counter) VALUES (?, ?, 1)
		ON CONFLICT(scope, day) DO UPDATE SET counter = counter + 1
	`, scope, key)
	if err != nil {
		return 0, wrapDB(err)
	}

	var counter int
	err = s.db.QueryRowContext(ctx,
		`SELECT counter FROM sequences WHERE scope = ? AND day = ?`, scope, key).Scan(&counter)
	if err != nil {
		return 0, wrapDB(err)
	}
	return counter, nil
}

// =============================================================================
// RECIPES
// =============================================================================

func (s *Store) SaveRecipe(ctx context.Context, r production.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := json.Marshal(r.Lines)
	if err != nil {
		return core.DatabaseError(fmt.Errorf("marshal recipe lines: %w", err))
	}
	query := `
		INSERT INTO recipes (id, name, product_pf_id, output_quantity, output_unit, shelf_life_days, lines_json, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			product_pf_id = excluded.product_pf_id,
			output_quantity = excluded.output_quantity,
			output_unit = excluded.output_unit,
			shelf_life_days = excluded.shelf_life_days,
			lines_json = excluded.lines_json,
			active = excluded.active
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Name, r.ProductPFID, r.OutputQuantity.String(), r.OutputUnit,
		r.ShelfLifeDays, string(lines), boolInt(r.Active))
	return wrapDB(err)
}

func (s *Store) GetRecipe(ctx context.Context, id string) (*production.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recipeColumns+` FROM recipes WHERE id = ?`, id)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanRecipe(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ActiveRecipe returns the active recipe for a PF product, nil when
// the product has none.
func (s *Store) ActiveRecipe(ctx context.Context, productPFID string) (*production.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recipeColumns+` FROM recipes WHERE product_pf_id = ? AND active = 1 LIMIT 1`,
		productPFID)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanRecipe(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

const recipeColumns = `id, name, product_pf_id, output_quantity, output_unit, shelf_life_days, lines_json, active`

func (s *Store) ListRecipes(ctx context.Context, activeOnly bool) ([]production.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + recipeColumns + ` FROM recipes`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var recipes []production.Recipe
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			return nil, err
		}
		recipes = append(recipes, r)
	}
	return recipes, wrapDB(rows.Err())
}

func scanRecipe(rows *sql.Rows) (production.Recipe, error) {
	var (
		r      production.Recipe
		output string
		lines  string
		active int
	)
	err := rows.Scan(&r.ID, &r.Name, &r.ProductPFID, &output, &r.OutputUnit, &r.ShelfLifeDays, &lines, &active)
	if err != nil {
		return r, wrapDB(err)
	}
	if r.OutputQuantity, err = decimal.NewFromString(output); err != nil {
		return r, core.DatabaseError(fmt.Errorf("corrupt quantity %q: %w", output, err))
	}
	if err := json.Unmarshal([]byte(lines), &r.Lines); err != nil {
		return r, core.DatabaseError(fmt.Errorf("corrupt recipe lines: %w", err))
	}
	r.Active = active != 0
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, core.DatabaseError(fmt.Errorf("corrupt timestamp %q: %w", s.String, err))
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
