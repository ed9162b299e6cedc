package order

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCash      PaymentMethod = "cash"
	PaymentCard      PaymentMethod = "card"
	PaymentInsurance PaymentMethod = "insurance"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentInsurance:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// Item is a line of an order. Name and UnitPrice are copied from the product
// at reservation time and never change afterwards.
type Item struct {
	ProductID            uuid.UUID       `json:"product_id"`
	Name                 string          `json:"name"`
	Quantity             int             `json:"quantity"`
	UnitPrice            decimal.Decimal `json:"unit_price"`
	PrescriptionVerified bool            `json:"prescription_verified"`
}

func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type ShippingInfo struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Phone        string `json:"phone,omitempty"`
	AddressLine1 string `json:"address_line1,omitempty"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Country      string `json:"country,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Order maps to the orders table. CustomerID is nil for guest checkouts.
type Order struct {
	ID                 uuid.UUID       `json:"id"`
	OrderNumber        string          `json:"order_number"`
	CustomerID         *string         `json:"customer_id,omitempty"`
	PharmacyID         uuid.UUID       `json:"pharmacy_id"`
	Items              []Item          `json:"items"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	Currency           string          `json:"currency"`
	PaymentMethod      PaymentMethod   `json:"payment_method"`
	PaymentStatus      PaymentStatus   `json:"payment_status"`
	Status             Status          `json:"status"`
	ShippingInfo       ShippingInfo    `json:"shipping_info"`
	PrescriptionImages []string        `json:"prescription_images"`
	PaymentSessionID   *string         `json:"payment_session_id,omitempty"`
	PaymentIntentID    *string         `json:"payment_intent_id,omitempty"`
	CreatedBy          string          `json:"created_by,omitempty"`
	UpdatedBy          string          `json:"updated_by,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Total sums price times quantity over items.
func Total(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}

func (o *Order) OwnedBy(customerID string) bool {
	return customerID != "" && o.CustomerID != nil && *o.CustomerID == customerID
}

// Cancellable reports whether a customer or staff member may still cancel.
func (o *Order) Cancellable() bool {
	return o.Status == StatusPending || o.Status == StatusConfirmed
}

// AwaitingPayment is true for card orders the provider has not settled yet.
func (o *Order) AwaitingPayment() bool {
	return o.PaymentMethod == PaymentCard && o.PaymentStatus == PaymentPending && o.Status == StatusPending
}

func (o *Order) MatchesEmail(email string) bool {
	email = strings.TrimSpace(email)
	return email != "" && strings.EqualFold(strings.TrimSpace(o.ShippingInfo.Email), email)
}

// holdsStock reports whether an order in status s still has its reserved
// units on hold. Once shipped the goods have left the pharmacy, and a
// cancelled order has already given its units back.
func holdsStock(s Status) bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusProcessing:
		return true
	}
	return false
}

// fulfillmentNext lists the single status staff may move an order to from
// each fulfillment status.
var fulfillmentNext = map[Status]Status{
	StatusPending:    StatusConfirmed,
	StatusConfirmed:  StatusProcessing,
	StatusProcessing: StatusShipped,
	StatusShipped:    StatusDelivered,
}

func fulfillmentPredecessor(to Status) (Status, bool) {
	for from, next := range fulfillmentNext {
		if next == to {
			return from, true
		}
	}
	return "", false
}
