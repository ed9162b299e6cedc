package catalog

import (
	"context"

	"github.com/google/uuid"
)

type ProductRepository interface {
	Create(ctx context.Context, p *Product) error
	GetByID(ctx context.Context, id uuid.UUID) (*Product, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Product, int, error)
}

// StockLedger owns every write to a product's stock. Reserve decrements only
// when the row still has enough stock, in a single statement, so concurrent
// callers can never take stock below zero. Restore is not deduplicated; the
// caller guarantees it runs once per cancelled reservation.
type StockLedger interface {
	Reserve(ctx context.Context, productID uuid.UUID, quantity int) (*Product, error)
	Restore(ctx context.Context, productID uuid.UUID, quantity int) error
}
