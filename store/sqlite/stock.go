/*
stock.go - stock.TxStore implementation

Movements are append-only; the unique idempotency index turns replays
into core.ErrDuplicateIdempotencyKey for the ledger to swallow. Lot
candidate scans follow FIFO order: reception date, then expiry date
with NULLs last, then id as the deterministic tiebreak.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mokksdz/manchengo/core"
	"github.com/Mokksdz/manchengo/stock"
)

// =============================================================================
// MOVEMENTS
// =============================================================================

func (s *Store) InsertMovement(ctx context.Context, m stock.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertMovement(ctx, s.db, m)
}

func (s *Store) insertMovement(ctx context.Context, db dbtx, m stock.Movement) error {
	var unitCost sql.NullInt64
	if m.UnitCost != nil {
		unitCost = sql.NullInt64{Int64: m.UnitCost.Centimes(), Valid: true}
	}

	query := `
		INSERT INTO stock_movements
		(id, movement_type, product_type, product_id, lot_id, quantity, unit_cost,
		 origin, reference_type, reference_id, user_id, idempotency_key, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		m.ID,
		string(m.Type),
		string(m.ProductType),
		m.ProductID,
		nullString(m.LotID),
		m.Quantity.String(),
		unitCost,
		string(m.Origin),
		nullString(string(m.ReferenceType)),
		nullString(m.ReferenceID),
		nullString(m.UserID),
		nullString(m.IdempotencyKey),
		nullString(m.Note),
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return core.DatabaseError(fmt.Errorf("insert movement: %w", err))
	}
	return nil
}

func (s *Store) SumMovements(ctx context.Context, pt stock.ProductType, productID string) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT movement_type, quantity FROM stock_movements
		WHERE product_type = ? AND product_id = ?
	`
	rows, err := s.db.QueryContext(ctx, query, string(pt), productID)
	if err != nil {
		return decimal.Zero, decimal.Zero, wrapDB(err)
	}
	defer rows.Close()

	in, out := decimal.Zero, decimal.Zero
	for rows.Next() {
		var mtype, qty string
		if err := rows.Scan(&mtype, &qty); err != nil {
			return decimal.Zero, decimal.Zero, wrapDB(err)
		}
		q, err := decimal.NewFromString(qty)
		if err != nil {
			return decimal.Zero, decimal.Zero, core.DatabaseError(fmt.Errorf("corrupt quantity %q: %w", qty, err))
		}
		if mtype == string(stock.MovementIn) {
			in = in.Add(q)
		} else {
			out = out.Add(q)
		}
	}
	return in, out, wrapDB(rows.Err())
}

func (s *Store) ListMovements(ctx context.Context, f stock.MovementFilter) ([]stock.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, movement_type, product_type, product_id, lot_id, quantity, unit_cost,
		origin, reference_type, reference_id, user_id, idempotency_key, note, created_at
		FROM stock_movements WHERE 1=1`
	var args []any
	if f.ProductType != "" {
		query += " AND product_type = ?"
		args = append(args, string(f.ProductType))
	}
	if f.ProductID != "" {
		query += " AND product_id = ?"
		args = append(args, f.ProductID)
	}
	if f.LotID != "" {
		query += " AND lot_id = ?"
		args = append(args, f.LotID)
	}
	if f.Origin != "" {
		query += " AND origin = ?"
		args = append(args, string(f.Origin))
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

	var movements []stock.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, wrapDB(rows.Err())
}

func scanMovement(rows *sql.Rows) (stock.Movement, error) {
	var (
		m         stock.Movement
		mtype     string
		ptype     string
		lotID     sql.NullString
		qty       string
		unitCost  sql.NullInt64
		origin    string
		refType   sql.NullString
		refID     sql.NullString
		userID    sql.NullString
		idemKey   sql.NullString
		note      sql.NullString
		createdAt string
	)
	err := rows.Scan(&m.ID, &mtype, &ptype, &m.ProductID, &lotID, &qty, &unitCost,
		&origin, &refType, &refID, &userID, &idemKey, &note, &createdAt)
	if err != nil {
		return m, wrapDB(err)
	}

	if m.Type, err = stock.ParseMovementType(mtype); err != nil {
		return m, err
	}
	if m.ProductType, err = stock.ParseProductType(ptype); err != nil {
		return m, err
	}
	if m.Origin, err = stock.ParseOrigin(origin); err != nil {
		return m, err
	}
	if m.Quantity, err = decimal.NewFromString(qty); err != nil {
		return m, core.DatabaseError(fmt.Errorf("corrupt quantity %q: %w", qty, err))
	}
	if unitCost.Valid {
		c := core.MoneyFromCentimes(unitCost.Int64)
		m.UnitCost = &c
	}
	m.LotID = lotID.String
	m.ReferenceType = stock.ReferenceType(refType.String)
	m.ReferenceID = refID.String
	m.UserID = userID.String
	m.IdempotencyKey = idemKey.String
	m.Note = note.String
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return m, core.DatabaseError(fmt.Errorf("corrupt timestamp %q: %w", createdAt, err))
	}
	return m, nil
}

// =============================================================================
// LOTS
// =============================================================================

func (s *Store) InsertLot(ctx context.Context, l stock.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLot(ctx, s.db, l)
}

func (s *Store) insertLot(ctx context.Context, db dbtx, l stock.Lot) error {
	var expiry sql.NullString
	if l.ExpiryDate != nil {
		expiry = sql.NullString{String: l.ExpiryDate.UTC().Format(time.RFC3339), Valid: true}
	}
	query := `
		INSERT INTO lots
		(id, lot_number, product_type, product_id, supplier_id, production_order_id,
		 quantity_initial, quantity_remaining, unit_cost, reception_date, expiry_date,
		 status, blocked_reason, qr_code, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		l.ID,
		l.LotNumber,
		string(l.ProductType),
		l.ProductID,
		nullString(l.SupplierID),
		nullString(l.ProductionOrderID),
		l.QuantityInitial.String(),
		l.QuantityRemaining.String(),
		l.UnitCost.Centimes(),
		l.ReceptionDate.UTC().Format(time.RFC3339),
		expiry,
		string(l.Status),
		nullString(l.BlockedReason),
		nullString(l.QRCode),
		nullString(l.CreatedBy),
		l.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return core.DatabaseError(fmt.Errorf("insert lot: %w", err))
	}
	return nil
}

const lotColumns = `id, lot_number, product_type, product_id, supplier_id, production_order_id,
	quantity_initial, quantity_remaining, unit_cost, reception_date, expiry_date,
	status, blocked_reason, qr_code, created_by, created_at`

func (s *Store) GetLot(ctx context.Context, id string) (*stock.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLot(ctx, s.db, id)
}

func (s *Store) getLot(ctx context.Context, db dbtx, id string) (*stock.Lot, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, id)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	l, err := scanLot(rows)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) AvailableLotsFIFO(ctx context.Context, pt stock.ProductType, productID string) ([]stock.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.availableLotsFIFO(ctx, s.db, pt, productID)
}

func (s *Store) availableLotsFIFO(ctx context.Context, db dbtx, pt stock.ProductType, productID string) ([]stock.Lot, error) {
	// FIFO order: oldest reception first, ties broken by nearest
	// expiry (NULLs last), then id for determinism.
	query := `SELECT ` + lotColumns + ` FROM lots
		WHERE product_type = ? AND product_id = ?
		  AND status = ?
		  AND CAST(quantity_remaining AS REAL) > 0
		ORDER BY reception_date ASC,
		         CASE WHEN expiry_date IS NULL THEN 1 ELSE 0 END ASC,
		         expiry_date ASC,
		         id ASC`
	rows, err := db.QueryContext(ctx, query,
		string(pt), productID, string(stock.LotAvailable))
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var lots []stock.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		// REAL cast above is approximate; re-check in decimal terms.
		if l.QuantityRemaining.IsPositive() {
			lots = append(lots, l)
		}
	}
	return lots, wrapDB(rows.Err())
}

func (s *Store) UpdateLotQuantity(ctx context.Context, id string, remaining decimal.Decimal, status stock.LotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLotQuantity(ctx, s.db, id, remaining, status)
}

func (s *Store) updateLotQuantity(ctx context.Context, db dbtx, id string, remaining decimal.Decimal, status stock.LotStatus) error {
	res, err := db.ExecContext(ctx,
		`UPDATE lots SET quantity_remaining = ?, status = ? WHERE id = ?`,
		remaining.String(), string(status), id)
	if err != nil {
		return wrapDB(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDB(err)
	}
	if n == 0 {
		return &core.NotFoundError{EntityType: "Lot", ID: id}
	}
	return nil
}

func (s *Store) UpdateLotStatus(ctx context.Context, id string, status stock.LotStatus, blockedReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE lots SET status = ?, blocked_reason = ? WHERE id = ?`,
		string(status), nullString(blockedReason), id)
	if err != nil {
		return wrapDB(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDB(err)
	}
	if n == 0 {
		return &core.NotFoundError{EntityType: "Lot", ID: id}
	}
	return nil
}

func (s *Store) LotsExpiringBefore(ctx context.Context, threshold time.Time) ([]stock.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + lotColumns + ` FROM lots
		WHERE expiry_date IS NOT NULL AND expiry_date <= ?
		  AND status NOT IN (?, ?)
		ORDER BY expiry_date ASC`
	rows, err := s.db.QueryContext(ctx, query,
		threshold.UTC().Format(time.RFC3339),
		string(stock.LotConsumed), string(stock.LotExpired))
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var lots []stock.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	return lots, wrapDB(rows.Err())
}

func scanLot(rows *sql.Rows) (stock.Lot, error) {
	var (
		l             stock.Lot
		ptype         string
		supplierID    sql.NullString
		orderID       sql.NullString
		qtyInitial    string
		qtyRemaining  string
		unitCost      int64
		receptionDate string
		expiryDate    sql.NullString
		status        string
		blockedReason sql.NullString
		qrCode        sql.NullString
		createdBy     sql.NullString
		createdAt     string
	)
	err := rows.Scan(&l.ID, &l.LotNumber, &ptype, &l.ProductID, &supplierID, &orderID,
		&qtyInitial, &qtyRemaining, &unitCost, &receptionDate, &expiryDate,
		&status, &blockedReason, &qrCode, &createdBy, &createdAt)
	if err != nil {
		return l, wrapDB(err)
	}

	if l.ProductType, err = stock.ParseProductType(ptype); err != nil {
		return l, err
	}
	if l.Status, err = stock.ParseLotStatus(status); err != nil {
		return l, err
	}
	if l.QuantityInitial, err = decimal.NewFromString(qtyInitial); err != nil {
		return l, core.DatabaseError(fmt.Errorf("corrupt quantity %q: %w", qtyInitial, err))
	}
	if l.QuantityRemaining, err = decimal.NewFromString(qtyRemaining); err != nil {
		return l, core.DatabaseError(fmt.Errorf("corrupt quantity %q: %w", qtyRemaining, err))
	}
	l.UnitCost = core.MoneyFromCentimes(unitCost)
	l.SupplierID = supplierID.String
	l.ProductionOrderID = orderID.String
	l.BlockedReason = blockedReason.String
	l.QRCode = qrCode.String
	l.CreatedBy = createdBy.String
	if l.ReceptionDate, err = time.Parse(time.RFC3339, receptionDate); err != nil {
		return l, core.DatabaseError(fmt.Errorf("corrupt reception date %q: %w", receptionDate, err))
	}
	if expiryDate.Valid {
		e, err := time.Parse(time.RFC3339, expiryDate.String)
		if err != nil {
			return l, core.DatabaseError(fmt.Errorf("corrupt expiry date %q: %w", expiryDate.String, err))
		}
		l.ExpiryDate = &e
	}
	if l.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return l, core.DatabaseError(fmt.Errorf("corrupt timestamp %q: %w", createdAt, err))
	}
	return l, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a transactional view of the stock interfaces.
// The mutex is held for the whole transaction, so fn must not call
// back into the outer store.
func (s *Store) WithTx(ctx context.Context, fn func(store stock.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.DatabaseError(fmt.Errorf("begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStockStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStockStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStockStore) InsertMovement(ctx context.Context, m stock.Movement) error {
	return ts.parent.insertMovement(ctx, ts.tx, m)
}

func (ts *txStockStore) SumMovements(ctx context.Context, pt stock.ProductType, productID string) (decimal.Decimal, decimal.Decimal, error) {
	// Reads inside the transaction see its own writes.
	query := `SELECT movement_type, quantity FROM stock_movements WHERE product_type = ? AND product_id = ?`
	rows, err := ts.tx.QueryContext(ctx, query, string(pt), productID)
	if err != nil {
		return decimal.Zero, decimal.Zero, wrapDB(err)
	}
	defer rows.Close()

	in, out := decimal.Zero, decimal.Zero
	for rows.Next() {
		var mtype, qty string
		if err := rows.Scan(&mtype, &qty); err != nil {
			return decimal.Zero, decimal.Zero, wrapDB(err)
		}
		q, err := decimal.NewFromString(qty)
		if err != nil {
			return decimal.Zero, decimal.Zero, core.DatabaseError(err)
		}
		if mtype == string(stock.MovementIn) {
			in = in.Add(q)
		} else {
			out = out.Add(q)
		}
	}
	return in, out, wrapDB(rows.Err())
}

func (ts *txStockStore) ListMovements(ctx context.Context, f stock.MovementFilter) ([]stock.Movement, error) {
	return nil, core.DatabaseError(fmt.Errorf("ListMovements not supported inside a transaction"))
}

func (ts *txStockStore) InsertLot(ctx context.Context, l stock.Lot) error {
	return ts.parent.insertLot(ctx, ts.tx, l)
}

func (ts *txStockStore) GetLot(ctx context.Context, id string) (*stock.Lot, error) {
	return ts.parent.getLot(ctx, ts.tx, id)
}

func (ts *txStockStore) AvailableLotsFIFO(ctx context.Context, pt stock.ProductType, productID string) ([]stock.Lot, error) {
	return ts.parent.availableLotsFIFO(ctx, ts.tx, pt, productID)
}

func (ts *txStockStore) UpdateLotQuantity(ctx context.Context, id string, remaining decimal.Decimal, status stock.LotStatus) error {
	return ts.parent.updateLotQuantity(ctx, ts.tx, id, remaining, status)
}

func (ts *txStockStore) UpdateLotStatus(ctx context.Context, id string, status stock.LotStatus, blockedReason string) error {
	_, err := ts.tx.ExecContext(ctx,
		`UPDATE lots SET status = ?, blocked_reason = ? WHERE id = ?`,
		string(status), nullString(blockedReason), id)
	return wrapDB(err)
}

func (ts *txStockStore) LotsExpiringBefore(ctx context.Context, threshold time.Time) ([]stock.Lot, error) {
	return nil, core.DatabaseError(fmt.Errorf("LotsExpiringBefore not supported inside a transaction"))
}
