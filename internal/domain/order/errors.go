package order

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrItemNotFound         = errors.New("order item not found")
	ErrInvalidTransition    = errors.New("order status does not allow this change")
	ErrPrescriptionRequired = errors.New("prescription image required for prescription-only products")
	ErrEmptyCart            = errors.New("order must contain at least one item")
	ErrInvalidQuantity      = errors.New("item quantity must be between 1 and 1000")
	ErrInvalidPaymentMethod = errors.New("payment method must be cash, card or insurance")
	ErrGuestEmailRequired   = errors.New("guest checkout requires a shipping email")
	ErrNotCardPayment       = errors.New("order is not paid by card")
	ErrDuplicateOrderNumber = errors.New("order number already exists")
	ErrPaymentNotConfigured = errors.New("card payments are not configured")
)

// PaymentProviderError reports a failure to open a payment session for an
// order that is already persisted. The order stays pending/pending and can be
// retried or cancelled.
type PaymentProviderError struct {
	OrderID uuid.UUID
	Err     error
}

func (e *PaymentProviderError) Error() string {
	return fmt.Sprintf("create payment session for order %s: %v", e.OrderID, e.Err)
}

func (e *PaymentProviderError) Unwrap() error { return e.Err }

// RestorationFailure is one line item whose stock could not be given back.
// It is reported for manual reconciliation and never blocks the order's
// status change.
type RestorationFailure struct {
	OrderID   uuid.UUID `json:"order_id"`
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Err       error     `json:"-"`
}

func (f RestorationFailure) Error() string {
	return fmt.Sprintf("restore %d of product %s for order %s: %v", f.Quantity, f.ProductID, f.OrderID, f.Err)
}

func (f RestorationFailure) Unwrap() error { return f.Err }

// RestorationReport summarises compensating stock restoration for an order.
type RestorationReport struct {
	OrderID  uuid.UUID            `json:"order_id"`
	Restored int                  `json:"restored"`
	Failures []RestorationFailure `json:"failures,omitempty"`
}

func (r *RestorationReport) Complete() bool {
	return r == nil || len(r.Failures) == 0
}
