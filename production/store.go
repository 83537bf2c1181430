package production

import (
	"context"
	"time"
)

// OrderFilter narrows order listings.
type OrderFilter struct {
	Status Status
	From   *time.Time
	To     *time.Time
	Limit  int
}

// Store persists production orders and their MP consumptions.
type Store interface {
	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, o Order) error
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, error)

	InsertConsumption(ctx context.Context, c Consumption) error
	ListConsumptions(ctx context.Context, orderID string) ([]Consumption, error)

	// NextSequence returns the next counter for the scope on the given
	// day, starting at 1. Scopes: PROD for order references, PF for
	// output lot numbers.
	NextSequence(ctx context.Context, scope string, day time.Time) (int, error)
}

// RecipeSource provides recipe definitions.
type RecipeSource interface {
	GetRecipe(ctx context.Context, id string) (*Recipe, error)
	// ActiveRecipe returns the active recipe for a PF product, nil when
	// none exists.
	ActiveRecipe(ctx context.Context, productPFID string) (*Recipe, error)
	ListRecipes(ctx context.Context, activeOnly bool) ([]Recipe, error)
}
