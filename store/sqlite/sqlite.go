/*
Package sqlite provides the SQLite-backed implementation of every
storage interface in the system.

PURPOSE:
  One embedded database file per device. Implements:

  stock.TxStore            movement ledger + lot registry, transactional
  production.Store         orders, consumptions, lot sequences
  production.RecipeSource  recipe definitions
  stock.ProductCatalog     product metadata
  sync.EventStore          append-only event log with atomic versioning
  sync.ConflictStore       pending/resolved conflicts
  sync.StateStore          pull watermark

APPEND-ONLY ENFORCEMENT:
  stock_movements and sync_events never see UPDATE or DELETE of their
  business columns. Corrections happen via compensating movements; the
  only mutable event columns are the sync bookkeeping ones
  (sync_status, synced_at).

KEY INDEXES:
  idx_movements_product:      balance computation (hot path)
  idx_movements_idempotency:  UNIQUE, replay protection
  idx_lots_fifo:              FIFO candidate scan
  idx_events_aggregate:       partial UNIQUE (aggregate_type,
                              aggregate_id, version) over non-CONFLICT
                              rows, the version collision guard

CONCURRENCY:
  A sync.RWMutex serializes writers. SQLite runs in WAL mode so
  readers never block on the single writer.

USAGE:
  store, err := sqlite.New("./data/manchengo.db")
  if err != nil { ... }
  defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	gosync "sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Mokksdz/manchengo/core"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu gosync.RWMutex
}

// dbtx is the subset of *sql.DB and *sql.Tx the queries need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens (or creates) the database at dbPath and migrates the
// schema. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema.
func (s *Store) migrate() error {
	schema := `
	-- Products (MP and PF metadata)
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		product_type TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		min_stock TEXT NOT NULL DEFAULT '0',
		reorder_point TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_products_code
		ON products(product_type, code);

	-- Stock movements (append-only ledger)
	CREATE TABLE IF NOT EXISTS stock_movements (
		id TEXT PRIMARY KEY,
		movement_type TEXT NOT NULL,
		product_type TEXT NOT NULL,
		product_id TEXT NOT NULL,
		lot_id TEXT,
		quantity TEXT NOT NULL,
		unit_cost INTEGER,
		origin TEXT NOT NULL,
		reference_type TEXT,
		reference_id TEXT,
		user_id TEXT,
		idempotency_key TEXT,
		note TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_movements_product
		ON stock_movements(product_type, product_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_movements_lot
		ON stock_movements(lot_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_idempotency
		ON stock_movements(idempotency_key);

	-- Lots (MP and PF)
	CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		lot_number TEXT NOT NULL,
		product_type TEXT NOT NULL,
		product_id TEXT NOT NULL,
		supplier_id TEXT,
		production_order_id TEXT,
		quantity_initial TEXT NOT NULL,
		quantity_remaining TEXT NOT NULL,
		unit_cost INTEGER NOT NULL,
		reception_date TEXT NOT NULL,
		expiry_date TEXT,
		status TEXT NOT NULL,
		blocked_reason TEXT,
		qr_code TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lots_fifo
		ON lots(product_type, product_id, status, reception_date, expiry_date, id);
	CREATE INDEX IF NOT EXISTS idx_lots_expiry
		ON lots(expiry_date);

	-- Recipes (lines stored as JSON, read far more than written)
	CREATE TABLE IF NOT EXISTS recipes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		product_pf_id TEXT NOT NULL,
		output_quantity TEXT NOT NULL DEFAULT '0',
		output_unit TEXT NOT NULL DEFAULT '',
		shelf_life_days INTEGER NOT NULL DEFAULT 0,
		lines_json TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_recipes_product
		ON recipes(product_pf_id, active);

	-- Production orders
	CREATE TABLE IF NOT EXISTS production_orders (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL,
		recipe_id TEXT NOT NULL,
		product_pf_id TEXT NOT NULL,
		batch_count INTEGER NOT NULL DEFAULT 1,
		scheduled_date TEXT,
		target_quantity TEXT NOT NULL,
		produced_quantity TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		output_lot_id TEXT,
		note TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		cancelled_at TEXT,
		cancel_reason TEXT,
		stock_reversed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_orders_status
		ON production_orders(status, created_at);

	CREATE TABLE IF NOT EXISTS production_consumptions (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		product_mp_id TEXT NOT NULL,
		lot_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_cost INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (order_id) REFERENCES production_orders(id)
	);
	CREATE INDEX IF NOT EXISTS idx_consumptions_order
		ON production_consumptions(order_id);

	-- Daily reference counters, one row per (scope, day): PROD for
	-- order references, PF for output lots, REC for receptions.
	CREATE TABLE IF NOT EXISTS sequences (
		scope TEXT NOT NULL,
		day TEXT NOT NULL,
		counter INTEGER NOT NULL,
		PRIMARY KEY (scope, day)
	);

	-- Event log (append-only)
	CREATE TABLE IF NOT EXISTS sync_events (
		id TEXT PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		version INTEGER NOT NULL,
		device_id TEXT NOT NULL,
		user_id TEXT,
		created_at TEXT NOT NULL,
		sync_status TEXT NOT NULL,
		synced_at TEXT
	);
	-- Version slot guard. Partial: an event parked in CONFLICT has
	-- lost (or not yet won) its slot, so it must not block the winner
	-- from occupying the same (aggregate, version).
	DROP INDEX IF EXISTS idx_events_aggregate;
	CREATE UNIQUE INDEX idx_events_aggregate
		ON sync_events(aggregate_type, aggregate_id, version)
		WHERE sync_status != 'CONFLICT';
	CREATE INDEX IF NOT EXISTS idx_events_pending
		ON sync_events(sync_status, created_at);

	CREATE TABLE IF NOT EXISTS sync_conflicts (
		id TEXT PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		local_event_id TEXT NOT NULL,
		remote_event_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		winner TEXT,
		resolved_by TEXT,
		detected_at TEXT NOT NULL,
		resolved_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_conflicts_pending
		ON sync_conflicts(resolved, detected_at);

	-- Single-row watermark
	CREATE TABLE IF NOT EXISTS sync_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_synced_at TEXT
	);
	INSERT OR IGNORE INTO sync_state (id, last_synced_at) VALUES (1, NULL);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// isVersionCollisionError matches the column list go-sqlite3 reports
// for the unique aggregate index ("UNIQUE constraint failed:
// sync_events.aggregate_type, sync_events.aggregate_id, ...").
func isVersionCollisionError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "sync_events.aggregate_type")
}

func wrapDB(err error) error {
	if err == nil {
		return nil
	}
	return core.DatabaseError(err)
}
