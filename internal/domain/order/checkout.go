package order

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/carelink/pharmacy/internal/domain/catalog"
	"github.com/carelink/pharmacy/internal/platform/payment"
)

type CheckoutItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

// CheckoutRequest is a cart submitted by a customer or a guest. CustomerID is
// empty for guests; Actor is recorded as created_by.
type CheckoutRequest struct {
	Items              []CheckoutItem `json:"items"`
	PharmacyID         *uuid.UUID     `json:"pharmacy_id,omitempty"`
	PaymentMethod      PaymentMethod  `json:"payment_method"`
	ShippingInfo       ShippingInfo   `json:"shipping_info"`
	PrescriptionImages []string       `json:"prescription_images,omitempty"`

	CustomerID string `json:"-"`
	Actor      string `json:"-"`
}

// CheckoutResult is the persisted order plus, for card orders, the provider
// session. PaymentErr is set when the order was persisted but the session
// could not be opened.
type CheckoutResult struct {
	Order      *Order
	Session    *payment.Session
	PaymentErr error
}

// MaxItemQuantity bounds a single line so it always fits the stock column.
const MaxItemQuantity = 1000

func (r *CheckoutRequest) validate() error {
	if len(r.Items) == 0 {
		return ErrEmptyCart
	}
	for _, it := range r.Items {
		if it.Quantity <= 0 || it.Quantity > MaxItemQuantity {
			return ErrInvalidQuantity
		}
		if it.ProductID == uuid.Nil {
			return catalog.ErrProductNotFound
		}
	}
	if !r.PaymentMethod.Valid() {
		return ErrInvalidPaymentMethod
	}
	if r.CustomerID == "" && strings.TrimSpace(r.ShippingInfo.Email) == "" {
		return ErrGuestEmailRequired
	}
	return nil
}

// Checkout reserves stock for every line and persists a pending order in one
// unit of work: a failed reservation or prescription check leaves no stock
// change and no order behind. Card orders then get a payment session outside
// the transaction.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if err := req.validate(); err != nil {
		s.metrics.Checkout("invalid")
		return nil, err
	}
	if req.PaymentMethod == PaymentCard && s.gateway == nil {
		s.metrics.Checkout("invalid")
		return nil, ErrPaymentNotConfigured
	}

	var o *Order
	err := s.tm.WithinTx(ctx, func(ctx context.Context) error {
		// Rows are locked in product id order so two carts sharing products
		// cannot deadlock each other.
		lockOrder := make([]int, len(req.Items))
		for i := range lockOrder {
			lockOrder[i] = i
		}
		sort.SliceStable(lockOrder, func(a, b int) bool {
			return bytes.Compare(req.Items[lockOrder[a]].ProductID[:], req.Items[lockOrder[b]].ProductID[:]) < 0
		})

		items := make([]Item, len(req.Items))
		var pharmacyID uuid.UUID
		needsPrescription := false
		for _, idx := range lockOrder {
			line := req.Items[idx]
			p, err := s.ledger.Reserve(ctx, line.ProductID, line.Quantity)
			if err != nil {
				return err
			}
			needsPrescription = needsPrescription || p.RequiresPrescription
			items[idx] = Item{
				ProductID: p.ID,
				Name:      p.Name,
				Quantity:  line.Quantity,
				UnitPrice: p.Price,
			}
			if idx == 0 {
				pharmacyID = p.PharmacyID
			}
		}
		if needsPrescription && !hasImage(req.PrescriptionImages) {
			return ErrPrescriptionRequired
		}
		if req.PharmacyID != nil && *req.PharmacyID != uuid.Nil {
			pharmacyID = *req.PharmacyID
		}

		number, err := s.numberer.Next(ctx)
		if err != nil {
			return err
		}

		o = &Order{
			OrderNumber:        number,
			PharmacyID:         pharmacyID,
			Items:              items,
			TotalAmount:        Total(items),
			Currency:           s.cfg.Currency,
			PaymentMethod:      req.PaymentMethod,
			PaymentStatus:      PaymentPending,
			Status:             StatusPending,
			ShippingInfo:       req.ShippingInfo,
			PrescriptionImages: req.PrescriptionImages,
			CreatedBy:          req.Actor,
			UpdatedBy:          req.Actor,
		}
		if req.CustomerID != "" {
			customer := req.CustomerID
			o.CustomerID = &customer
		}
		if err := s.orders.Create(ctx, o); err != nil {
			return err
		}
		return s.emit(ctx, o, EventOrderCreated)
	})
	if err != nil {
		result := "error"
		var shortage *catalog.InsufficientStockError
		switch {
		case errors.As(err, &shortage):
			result = "insufficient_stock"
		case errors.Is(err, ErrPrescriptionRequired):
			result = "prescription_required"
		}
		s.metrics.Checkout(result)
		s.logger.Warn().Err(err).Str("result", result).Int("items", len(req.Items)).Msg("checkout failed")
		return nil, err
	}

	s.metrics.Checkout("created")
	s.logger.Info().
		Str("order_id", o.ID.String()).
		Str("order_number", o.OrderNumber).
		Str("payment_method", string(o.PaymentMethod)).
		Str("total", o.TotalAmount.StringFixed(2)).
		Msg("order created")

	res := &CheckoutResult{Order: o}
	if o.PaymentMethod != PaymentCard {
		return res, nil
	}
	updated, session, err := s.openSession(ctx, o, req.Actor)
	if err != nil {
		res.PaymentErr = err
		return res, nil
	}
	res.Order, res.Session = updated, session
	return res, nil
}

// RetryPayment opens a new provider session for the caller's card order
// that is still awaiting payment.
func (s *Service) RetryPayment(ctx context.Context, id uuid.UUID, owner, actor string) (*Order, *payment.Session, error) {
	if s.gateway == nil {
		return nil, nil, ErrPaymentNotConfigured
	}
	o, err := s.orders.FindByID(ctx, id, owner)
	if err != nil {
		return nil, nil, err
	}
	if o.PaymentMethod != PaymentCard {
		return nil, nil, ErrNotCardPayment
	}
	if !o.AwaitingPayment() {
		return nil, nil, ErrInvalidTransition
	}
	return s.openSession(ctx, o, actor)
}

func (s *Service) openSession(ctx context.Context, o *Order, actor string) (*Order, *payment.Session, error) {
	lines := make([]payment.LineItem, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, payment.LineItem{Name: it.Name, UnitAmount: it.UnitPrice, Quantity: it.Quantity})
	}
	session, err := s.gateway.CreateSession(ctx, payment.SessionRequest{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		LineItems:     lines,
		Currency:      o.Currency,
		SuccessURL:    s.cfg.SuccessURL,
		CancelURL:     s.cfg.CancelURL,
		CustomerEmail: o.ShippingInfo.Email,
	})
	if err == nil {
		var updated *Order
		updated, err = s.orders.SetPaymentSession(ctx, o.ID, session.ID, actor)
		if err == nil {
			s.logger.Info().Str("order_id", o.ID.String()).Str("session_id", session.ID).Msg("payment session created")
			return updated, session, nil
		}
	}

	s.metrics.PaymentSessionError()
	s.logger.Error().Err(err).
		Str("order_id", o.ID.String()).
		Str("order_number", o.OrderNumber).
		Msg("payment session not created; order left pending for retry")
	return nil, nil, &PaymentProviderError{OrderID: o.ID, Err: err}
}

func hasImage(refs []string) bool {
	for _, r := range refs {
		if strings.TrimSpace(r) != "" {
			return true
		}
	}
	return false
}
