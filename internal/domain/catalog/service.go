package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	products ProductRepository
	ledger   StockLedger
	logger   zerolog.Logger
}

func NewService(products ProductRepository, ledger StockLedger, logger zerolog.Logger) *Service {
	return &Service{
		products: products,
		ledger:   ledger,
		logger:   logger.With().Str("component", "catalog").Logger(),
	}
}

func (s *Service) CreateProduct(ctx context.Context, p *Product) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("price must not be negative")
	}
	if p.StockQuantity < 0 {
		return fmt.Errorf("stock_quantity must not be negative")
	}
	if p.PharmacyID == uuid.Nil {
		return fmt.Errorf("pharmacy_id is required")
	}
	return s.products.Create(ctx, p)
}

func (s *Service) GetProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	return s.products.GetByID(ctx, id)
}

func (s *Service) SearchProducts(ctx context.Context, params map[string]string, limit, offset int) ([]*Product, int, error) {
	return s.products.Search(ctx, params, limit, offset)
}

// Restock adds delivered units through the ledger's atomic increment.
func (s *Service) Restock(ctx context.Context, id uuid.UUID, quantity int) (*Product, error) {
	if err := s.ledger.Restore(ctx, id, quantity); err != nil {
		return nil, err
	}
	s.logger.Info().Str("product_id", id.String()).Int("quantity", quantity).Msg("product restocked")
	return s.products.GetByID(ctx, id)
}
