package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/carelink/pharmacy/internal/platform/db"
)

var orderColumns = []string{
	"id", "order_number", "customer_id", "pharmacy_id", "items", "total_amount::text", "currency",
	"payment_method", "payment_status", "status", "shipping_info", "prescription_images",
	"payment_session_id", "payment_intent_id", "created_by", "updated_by", "created_at", "updated_at",
}

var orderCols = strings.Join(orderColumns, ", ")

func prefixedCols(alias string) string {
	out := make([]string, len(orderColumns))
	for i, c := range orderColumns {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

func scanOrder(row pgx.Row, extra ...any) (*Order, error) {
	var (
		o                    Order
		items, shipping      []byte
		total                string
		createdBy, updatedBy *string
	)
	dest := []any{
		&o.ID, &o.OrderNumber, &o.CustomerID, &o.PharmacyID, &items, &total, &o.Currency,
		&o.PaymentMethod, &o.PaymentStatus, &o.Status, &shipping, &o.PrescriptionImages,
		&o.PaymentSessionID, &o.PaymentIntentID, &createdBy, &updatedBy, &o.CreatedAt, &o.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items of order %s: %w", o.ID, err)
	}
	if err := json.Unmarshal(shipping, &o.ShippingInfo); err != nil {
		return nil, fmt.Errorf("decode shipping info of order %s: %w", o.ID, err)
	}
	var err error
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse total %q: %w", total, err)
	}
	if createdBy != nil {
		o.CreatedBy = *createdBy
	}
	if updatedBy != nil {
		o.UpdatedBy = *updatedBy
	}
	return &o, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOrderNotFound
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) Repository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.PrescriptionImages == nil {
		o.PrescriptionImages = []string{}
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	shipping, err := json.Marshal(o.ShippingInfo)
	if err != nil {
		return fmt.Errorf("encode shipping info: %w", err)
	}

	err = db.Executor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO orders (id, order_number, customer_id, pharmacy_id, items, total_amount, currency,
			payment_method, payment_status, status, shipping_info, prescription_images,
			payment_session_id, payment_intent_id, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		RETURNING created_at, updated_at`,
		o.ID, o.OrderNumber, o.CustomerID, o.PharmacyID, items, o.TotalAmount.String(), o.Currency,
		o.PaymentMethod, o.PaymentStatus, o.Status, shipping, o.PrescriptionImages,
		o.PaymentSessionID, o.PaymentIntentID, nullable(o.CreatedBy),
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if db.UniqueViolation(err, "orders_order_number_key") {
		return fmt.Errorf("%w: %s", ErrDuplicateOrderNumber, o.OrderNumber)
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	o.UpdatedBy = o.CreatedBy
	return nil
}

func (r *orderRepoPG) FindByID(ctx context.Context, id uuid.UUID, owner string) (*Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE id = $1`
	args := []any{id}
	if owner != "" {
		query += ` AND customer_id = $2`
		args = append(args, owner)
	}
	o, err := scanOrder(db.Executor(ctx, r.pool).QueryRow(ctx, query, args...))
	return o, notFound(err)
}

func (r *orderRepoPG) FindByOrderNumber(ctx context.Context, number string) (*Order, error) {
	o, err := scanOrder(db.Executor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE order_number = $1`, number))
	return o, notFound(err)
}

func (r *orderRepoPG) FindByPaymentSessionID(ctx context.Context, sessionID string) (*Order, error) {
	o, err := scanOrder(db.Executor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE payment_session_id = $1`, sessionID))
	return o, notFound(err)
}

func (r *orderRepoPG) ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]*Order, int, error) {
	q := db.Executor(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE customer_id = $1`, customerID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := q.Query(ctx, `SELECT `+orderCols+` FROM orders WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, customerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []*Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

// Transition locks the guarded row in a CTE so the returned previous status
// is the one the update actually replaced.
func (r *orderRepoPG) Transition(ctx context.Context, t Transition) (*Order, Status, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	switch {
	case t.Match.ID != uuid.Nil:
		add("id = $%d", t.Match.ID)
	case t.Match.PaymentSessionID != "":
		add("payment_session_id = $%d", t.Match.PaymentSessionID)
	case t.Match.PaymentIntentID != "":
		add("payment_intent_id = $%d", t.Match.PaymentIntentID)
	default:
		return nil, "", fmt.Errorf("transition needs an order id, session id or payment intent id")
	}
	if t.Match.CustomerID != "" {
		add("customer_id = $%d", t.Match.CustomerID)
	}
	if len(t.FromStatus) > 0 {
		from := make([]string, len(t.FromStatus))
		for i, s := range t.FromStatus {
			from[i] = string(s)
		}
		add("status = ANY($%d)", from)
	}
	if len(t.FromPaymentStatus) > 0 {
		from := make([]string, len(t.FromPaymentStatus))
		for i, s := range t.FromPaymentStatus {
			from[i] = string(s)
		}
		add("payment_status = ANY($%d)", from)
	}

	n := len(args)
	args = append(args, string(t.ToStatus), string(t.ToPaymentStatus), t.PaymentIntentID,
		string(t.PaymentMethod), t.UpdatedBy)

	query := fmt.Sprintf(`
		WITH prev AS (
			SELECT id, status FROM orders WHERE %s FOR UPDATE
		)
		UPDATE orders o SET
			status            = COALESCE(NULLIF($%d, ''), o.status),
			payment_status    = COALESCE(NULLIF($%d, ''), o.payment_status),
			payment_intent_id = COALESCE(NULLIF($%d, ''), o.payment_intent_id),
			payment_method    = COALESCE(NULLIF($%d, ''), o.payment_method),
			updated_by        = COALESCE(NULLIF($%d, ''), o.updated_by),
			updated_at        = NOW()
		FROM prev
		WHERE o.id = prev.id
		RETURNING %s, prev.status`,
		strings.Join(conds, " AND "), n+1, n+2, n+3, n+4, n+5, prefixedCols("o"))

	var prev Status
	o, err := scanOrder(db.Executor(ctx, r.pool).QueryRow(ctx, query, args...), &prev)
	if err != nil {
		return nil, "", notFound(err)
	}
	return o, prev, nil
}

func (r *orderRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from []Status, to Status, by string) (*Order, error) {
	o, _, err := r.Transition(ctx, Transition{Match: Match{ID: id}, FromStatus: from, ToStatus: to, UpdatedBy: by})
	return o, err
}

func (r *orderRepoPG) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, from []PaymentStatus, to PaymentStatus, by string) (*Order, error) {
	o, _, err := r.Transition(ctx, Transition{Match: Match{ID: id}, FromPaymentStatus: from, ToPaymentStatus: to, UpdatedBy: by})
	return o, err
}

func (r *orderRepoPG) SetPaymentSession(ctx context.Context, id uuid.UUID, sessionID, by string) (*Order, error) {
	o, err := scanOrder(db.Executor(ctx, r.pool).QueryRow(ctx, `
		UPDATE orders
		SET payment_session_id = $2, updated_by = COALESCE(NULLIF($3, ''), updated_by), updated_at = NOW()
		WHERE id = $1 AND payment_method = 'card' AND payment_status = 'pending' AND status = 'pending'
		RETURNING `+orderCols,
		id, sessionID, by))
	return o, notFound(err)
}

func (r *orderRepoPG) SetItemVerified(ctx context.Context, id, productID uuid.UUID, by string) (*Order, error) {
	o, err := scanOrder(db.Executor(ctx, r.pool).QueryRow(ctx, `
		UPDATE orders
		SET items = (
				SELECT jsonb_agg(
					CASE WHEN elem->>'product_id' = $2
						THEN jsonb_set(elem, '{prescription_verified}', 'true'::jsonb)
						ELSE elem END
					ORDER BY pos)
				FROM jsonb_array_elements(items) WITH ORDINALITY AS t(elem, pos)
			),
			updated_by = COALESCE(NULLIF($3, ''), updated_by),
			updated_at = NOW()
		WHERE id = $1
			AND status <> 'cancelled'
			AND items @> jsonb_build_array(jsonb_build_object('product_id', $2::text))
		RETURNING `+orderCols,
		id, productID.String(), by))
	return o, notFound(err)
}

func (r *orderRepoPG) RecordEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := db.Executor(ctx, r.pool).Exec(ctx, `
		INSERT INTO payment_event (event_id, event_type) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("record payment event %s: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}
