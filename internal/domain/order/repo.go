package order

import (
	"context"

	"github.com/google/uuid"
)

// Match selects the order a transition applies to. Exactly one of ID,
// PaymentSessionID or PaymentIntentID is used, in that order of preference.
// CustomerID further restricts the match to the owner's orders.
type Match struct {
	ID               uuid.UUID
	PaymentSessionID string
	PaymentIntentID  string
	CustomerID       string
}

// Transition is a state-guarded conditional update: it applies only while
// the order's current state is in the From sets (empty means any). Zero
// valued targets leave the column unchanged.
type Transition struct {
	Match             Match
	FromStatus        []Status
	FromPaymentStatus []PaymentStatus

	ToStatus        Status
	ToPaymentStatus PaymentStatus
	PaymentIntentID string
	PaymentMethod   PaymentMethod
	UpdatedBy       string
}

type Repository interface {
	Create(ctx context.Context, o *Order) error
	// FindByID returns ErrOrderNotFound when the order is missing or, with a
	// non-empty owner, belongs to someone else.
	FindByID(ctx context.Context, id uuid.UUID, owner string) (*Order, error)
	FindByOrderNumber(ctx context.Context, number string) (*Order, error)
	FindByPaymentSessionID(ctx context.Context, sessionID string) (*Order, error)
	ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]*Order, int, error)

	// Transition returns the updated order and the status it held just
	// before the update, or ErrOrderNotFound when nothing matched the key and
	// the guard together.
	Transition(ctx context.Context, t Transition) (*Order, Status, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from []Status, to Status, by string) (*Order, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, from []PaymentStatus, to PaymentStatus, by string) (*Order, error)
	// SetPaymentSession stores the provider session on a card order that is
	// still awaiting payment.
	SetPaymentSession(ctx context.Context, id uuid.UUID, sessionID, by string) (*Order, error)
	SetItemVerified(ctx context.Context, id, productID uuid.UUID, by string) (*Order, error)

	// RecordEvent remembers a provider event id. It returns false when the
	// event was already recorded.
	RecordEvent(ctx context.Context, eventID, eventType string) (bool, error)
}
