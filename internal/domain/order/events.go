package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated           = "order.created"
	EventOrderPaid              = "order.paid"
	EventOrderPaidAfterCancel   = "order.paid_after_cancellation"
	EventOrderCancelled         = "order.cancelled"
	EventOrderRefunded          = "order.refunded"
	EventOrderPaymentFailed     = "order.payment_failed"
	EventOrderStatusChanged     = "order.status_changed"
	EventStockRestorationFailed = "stock.restoration_failed"
)

// EventWriter appends domain events to the transactional outbox. Insert runs
// in the caller's transaction when ctx carries one.
type EventWriter interface {
	Insert(ctx context.Context, key, eventType string, payload any) error
}

type orderEvent struct {
	OrderID       uuid.UUID       `json:"order_id"`
	OrderNumber   string          `json:"order_number"`
	CustomerID    *string         `json:"customer_id,omitempty"`
	PharmacyID    uuid.UUID       `json:"pharmacy_id"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Currency      string          `json:"currency"`
	Items         []Item          `json:"items"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func newOrderEvent(o *Order, at time.Time) orderEvent {
	return orderEvent{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		CustomerID:    o.CustomerID,
		PharmacyID:    o.PharmacyID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		PaymentMethod: o.PaymentMethod,
		TotalAmount:   o.TotalAmount,
		Currency:      o.Currency,
		Items:         o.Items,
		OccurredAt:    at.UTC(),
	}
}

type restorationFailedEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	ProductID   uuid.UUID `json:"product_id"`
	Quantity    int       `json:"quantity"`
	Reason      string    `json:"reason"`
	OccurredAt  time.Time `json:"occurred_at"`
}
