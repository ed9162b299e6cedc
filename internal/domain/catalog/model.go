package catalog

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product maps to the product table. StockQuantity is only changed through
// the StockLedger's conditional updates.
type Product struct {
	ID                   uuid.UUID       `db:"id" json:"id"`
	Name                 string          `db:"name" json:"name"`
	Description          *string         `db:"description" json:"description,omitempty"`
	Price                decimal.Decimal `db:"price" json:"price"`
	StockQuantity        int             `db:"stock_quantity" json:"stock_quantity"`
	InStock              bool            `db:"in_stock" json:"in_stock"`
	RequiresPrescription bool            `db:"requires_prescription" json:"requires_prescription"`
	PharmacyID           uuid.UUID       `db:"pharmacy_id" json:"pharmacy_id"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updated_at"`
}

// Available reports whether quantity units could be reserved right now.
func (p *Product) Available(quantity int) bool {
	return p.InStock && p.StockQuantity >= quantity
}
