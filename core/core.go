/*
Package core provides the shared primitives of the Manchengo ERP:
entity identifiers, integer-centime money, and the error taxonomy
used across the stock, production and sync packages.

DESIGN PRINCIPLES:
  1. Exactness: money is an int64 number of centimes, never a float.
  2. Identity: every entity and event carries a uuid string id.
  3. Errors: sentinel errors for dispatch with errors.Is, structured
     error types for context with errors.As.
*/
package core

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewID returns a fresh uuid v4 string. Used for every entity,
// movement and event id in the system.
func NewID() string {
	return uuid.NewString()
}

// =============================================================================
// MONEY - integer centimes (DZD)
// =============================================================================

// Money is an amount in centimes. All cost arithmetic is integer;
// fractions only appear transiently when multiplying by a quantity.
type Money int64

func MoneyFromCentimes(c int64) Money { return Money(c) }

// MoneyFromDZD converts a dinar amount to centimes.
func MoneyFromDZD(d float64) Money { return Money(int64(d * 100)) }

func (m Money) Centimes() int64   { return int64(m) }
func (m Money) Add(o Money) Money { return m + o }
func (m Money) Sub(o Money) Money { return m - o }

// MulQuantity multiplies a unit cost by a physical quantity,
// truncating to whole centimes.
func (m Money) MulQuantity(q decimal.Decimal) Money {
	return Money(decimal.NewFromInt(int64(m)).Mul(q).IntPart())
}

// DZD returns the amount in dinars for display.
func (m Money) DZD() float64 { return float64(m) / 100 }
