/*
catalog.go - Product metadata (stock.ProductCatalog)
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

// Product is a stored product row.
type Product struct {
	ID           string
	ProductType  stock.ProductType
	Code         string
	Name         string
	Unit         string
	MinStock     decimal.Decimal
	ReorderPoint decimal.Decimal
	CreatedAt    time.Time
}

func (s *Store) SaveProduct(ctx context.Context, p Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO products (id, product_type, code, name, unit, min_stock, reorder_point, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			unit = excluded.unit,
			min_stock = excluded.min_stock,
			reorder_point = excluded.reorder_point
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, string(p.ProductType), p.Code, p.Name, p.Unit,
		p.MinStock.String(), p.ReorderPoint.String(),
		p.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.BusinessRule("product code %s already exists", p.Code)
		}
		return wrapDB(err)
	}
	return nil
}

// GetProduct implements stock.ProductCatalog.
func (s *Store) GetProduct(ctx context.Context, pt stock.ProductType, id string) (*stock.ProductInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		info    stock.ProductInfo
		minS    string
		reorder string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, unit, min_stock, reorder_point
		FROM products WHERE product_type = ? AND id = ?
	`, string(pt), id).Scan(&info.ID, &info.Code, &info.Name, &info.Unit, &minS, &reorder)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDB(err)
	}
	if info.MinStock, err = decimal.NewFromString(minS); err != nil {
		return nil, core.DatabaseError(fmt.Errorf("corrupt min stock %q: %w", minS, err))
	}
	if info.ReorderPoint, err = decimal.NewFromString(reorder); err != nil {
		return nil, core.DatabaseError(fmt.Errorf("corrupt reorder point %q: %w", reorder, err))
	}
	return &info, nil
}

// ListProducts returns all products of a type.
func (s *Store) ListProducts(ctx context.Context, pt stock.ProductType) ([]stock.ProductInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, unit, min_stock, reorder_point
		FROM products WHERE product_type = ? ORDER BY code ASC
	`, string(pt))
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var products []stock.ProductInfo
	for rows.Next() {
		var (
			info    stock.ProductInfo
			minS    string
			reorder string
		)
		if err := rows.Scan(&info.ID, &info.Code, &info.Name, &info.Unit, &minS, &reorder); err != nil {
			return nil, wrapDB(err)
		}
		if info.MinStock, err = decimal.NewFromString(minS); err != nil {
			return nil, core.DatabaseError(fmt.Errorf("corrupt min stock %q: %w", minS, err))
		}
		if info.ReorderPoint, err = decimal.NewFromString(reorder); err != nil {
			return nil, core.DatabaseError(fmt.Errorf("corrupt reorder point %q: %w", reorder, err))
		}
		products = append(products, info)
	}
	return products, wrapDB(rows.Err())
}
