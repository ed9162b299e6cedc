package catalog

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be greater than 0")
)

// InsufficientStockError is returned by StockLedger.Reserve when no product
// row satisfied the reservation guard. Missing is set when the product does
// not exist at all.
type InsufficientStockError struct {
	ProductID   uuid.UUID
	ProductName string
	Requested   int
	Available   int
	Missing     bool
}

func (e *InsufficientStockError) Error() string {
	if e.Missing {
		return fmt.Sprintf("product %s is unavailable", e.ProductID)
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductName, e.Requested, e.Available)
}

// Is lets callers match with errors.Is(err, ErrInsufficientStock), and with
// ErrProductNotFound when the product is missing.
func (e *InsufficientStockError) Is(target error) bool {
	if target == ErrInsufficientStock {
		return true
	}
	return e.Missing && target == ErrProductNotFound
}
