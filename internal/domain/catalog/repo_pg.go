package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/carelink/pharmacy/internal/platform/db"
)

const productCols = `id, name, description, price::text, stock_quantity, in_stock,
	requires_prescription, pharmacy_id, created_at, updated_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	var price string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &price, &p.StockQuantity, &p.InStock,
		&p.RequiresPrescription, &p.PharmacyID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price %q: %w", price, err)
	}
	return &p, nil
}

// ---- Product Repo ----

type productRepoPG struct{ pool *pgxpool.Pool }

func NewProductRepoPG(pool *pgxpool.Pool) ProductRepository {
	return &productRepoPG{pool: pool}
}

func (r *productRepoPG) Create(ctx context.Context, p *Product) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.InStock = p.StockQuantity > 0
	row := db.Executor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO product (id, name, description, price, stock_quantity, in_stock,
			requires_prescription, pharmacy_id)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Description, p.Price.String(), p.StockQuantity, p.InStock,
		p.RequiresPrescription, p.PharmacyID)
	return row.Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *productRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Product, error) {
	p, err := scanProduct(db.Executor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+productCols+` FROM product WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	return p, err
}

func (r *productRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Product, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if v, ok := params["pharmacy"]; ok {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid pharmacy id: %w", err)
		}
		where += fmt.Sprintf(` AND pharmacy_id = $%d`, idx)
		args = append(args, id)
		idx++
	}
	if v, ok := params["name"]; ok {
		where += fmt.Sprintf(` AND name ILIKE $%d`, idx)
		args = append(args, "%"+v+"%")
		idx++
	}
	if v, ok := params["in_stock"]; ok {
		where += fmt.Sprintf(` AND in_stock = $%d`, idx)
		args = append(args, v == "true")
		idx++
	}

	q := db.Executor(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM product`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + productCols + ` FROM product` + where +
		fmt.Sprintf(` ORDER BY name ASC, id ASC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []*Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// ---- Stock Ledger ----

type stockLedgerPG struct{ pool *pgxpool.Pool }

func NewStockLedgerPG(pool *pgxpool.Pool) StockLedger {
	return &stockLedgerPG{pool: pool}
}

// Reserve is a single conditional UPDATE: the row lock Postgres takes makes a
// concurrent reservation re-evaluate the guard against the committed count.
func (l *stockLedgerPG) Reserve(ctx context.Context, productID uuid.UUID, quantity int) (*Product, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	q := db.Executor(ctx, l.pool)
	p, err := scanProduct(q.QueryRow(ctx, `
		UPDATE product
		SET stock_quantity = stock_quantity - $2,
			in_stock = (stock_quantity - $2) > 0,
			updated_at = NOW()
		WHERE id = $1 AND stock_quantity >= $2 AND in_stock = TRUE
		RETURNING `+productCols,
		productID, quantity))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reserve product %s: %w", productID, err)
	}

	shortage := &InsufficientStockError{ProductID: productID, Requested: quantity}
	err = q.QueryRow(ctx, `SELECT name, stock_quantity FROM product WHERE id = $1`, productID).
		Scan(&shortage.ProductName, &shortage.Available)
	if errors.Is(err, pgx.ErrNoRows) {
		shortage.Missing = true
	} else if err != nil {
		return nil, fmt.Errorf("inspect product %s: %w", productID, err)
	}
	return nil, shortage
}

func (l *stockLedgerPG) Restore(ctx context.Context, productID uuid.UUID, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	tag, err := db.Executor(ctx, l.pool).Exec(ctx, `
		UPDATE product
		SET stock_quantity = stock_quantity + $2, in_stock = TRUE, updated_at = NOW()
		WHERE id = $1`,
		productID, quantity)
	if err != nil {
		return fmt.Errorf("restore product %s: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}
