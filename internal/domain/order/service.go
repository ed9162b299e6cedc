package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/pharmacy/internal/domain/catalog"
	"github.com/carelink/pharmacy/internal/platform/db"
	"github.com/carelink/pharmacy/internal/platform/metrics"
	"github.com/carelink/pharmacy/internal/platform/payment"
)

// CheckoutConfig carries the provider settings a payment session needs.
type CheckoutConfig struct {
	Currency   string
	SuccessURL string
	CancelURL  string
}

type Deps struct {
	Orders   Repository
	Ledger   catalog.StockLedger
	Tx       db.TxManager
	Numberer Numberer
	Gateway  payment.Gateway
	Events   EventWriter
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Config   CheckoutConfig
}

type Service struct {
	orders   Repository
	ledger   catalog.StockLedger
	tm       db.TxManager
	numberer Numberer
	gateway  payment.Gateway
	events   EventWriter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	cfg      CheckoutConfig
	now      func() time.Time
}

func NewService(d Deps) *Service {
	if d.Config.Currency == "" {
		d.Config.Currency = "usd"
	}
	return &Service{
		orders:   d.Orders,
		ledger:   d.Ledger,
		tm:       d.Tx,
		numberer: d.Numberer,
		gateway:  d.Gateway,
		events:   d.Events,
		metrics:  d.Metrics,
		logger:   d.Logger.With().Str("component", "order").Logger(),
		cfg:      d.Config,
		now:      time.Now,
	}
}

// GetOrder returns the order; a non-empty owner hides other customers' orders.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID, owner string) (*Order, error) {
	return s.orders.FindByID(ctx, id, owner)
}

func (s *Service) ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]*Order, int, error) {
	return s.orders.ListByCustomer(ctx, customerID, limit, offset)
}

// Track lets a guest look up an order by number. The shipping email must
// match so order numbers alone do not leak addresses.
func (s *Service) Track(ctx context.Context, orderNumber, email string) (*Order, error) {
	o, err := s.orders.FindByOrderNumber(ctx, strings.TrimSpace(orderNumber))
	if err != nil {
		return nil, err
	}
	if !o.MatchesEmail(email) {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

// Cancel moves a pending or confirmed order to cancelled and gives its stock
// back exactly once. owner restricts the cancel to the customer's own orders;
// staff pass "".
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, owner, actor string) (*Order, *RestorationReport, error) {
	var (
		o      *Order
		report *RestorationReport
	)
	err := s.tm.WithinTx(ctx, func(ctx context.Context) error {
		var (
			prev Status
			err  error
		)
		o, prev, err = s.orders.Transition(ctx, Transition{
			Match:      Match{ID: id, CustomerID: owner},
			FromStatus: []Status{StatusPending, StatusConfirmed},
			ToStatus:   StatusCancelled,
			UpdatedBy:  actor,
		})
		if errors.Is(err, ErrOrderNotFound) {
			return s.explainMiss(ctx, id, owner)
		}
		if err != nil {
			return err
		}
		if holdsStock(prev) {
			if report, err = s.restoreStock(ctx, o); err != nil {
				return err
			}
		}
		return s.emit(ctx, o, EventOrderCancelled)
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info().Str("order_id", o.ID.String()).Str("order_number", o.OrderNumber).
		Str("actor", actor).Msg("order cancelled")
	return o, report, nil
}

// UpdateFulfillment advances an order one step along
// pending→confirmed→processing→shipped→delivered. Card orders are confirmed
// by the payment provider, never by hand.
func (s *Service) UpdateFulfillment(ctx context.Context, id uuid.UUID, to Status, actor string) (*Order, error) {
	from, ok := fulfillmentPredecessor(to)
	if !ok {
		return nil, ErrInvalidTransition
	}
	var o *Order
	err := s.tm.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.orders.FindByID(ctx, id, "")
		if err != nil {
			return err
		}
		if to == StatusConfirmed && current.PaymentMethod == PaymentCard {
			return ErrInvalidTransition
		}
		o, err = s.orders.UpdateStatus(ctx, id, []Status{from}, to, actor)
		if errors.Is(err, ErrOrderNotFound) {
			return ErrInvalidTransition
		}
		if err != nil {
			return err
		}
		return s.emit(ctx, o, EventOrderStatusChanged)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// RecordOfflinePayment marks a cash or insurance order as paid once the
// pharmacy has collected the money outside the card flow.
func (s *Service) RecordOfflinePayment(ctx context.Context, id uuid.UUID, actor string) (*Order, error) {
	var o *Order
	err := s.tm.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.orders.FindByID(ctx, id, "")
		if err != nil {
			return err
		}
		if current.PaymentMethod == PaymentCard || current.Status == StatusCancelled {
			return ErrInvalidTransition
		}
		o, err = s.orders.UpdatePaymentStatus(ctx, id, []PaymentStatus{PaymentPending}, PaymentPaid, actor)
		if errors.Is(err, ErrOrderNotFound) {
			return ErrInvalidTransition
		}
		if err != nil {
			return err
		}
		return s.emit(ctx, o, EventOrderPaid)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// VerifyPrescriptionItem records that a pharmacist checked the prescription
// for one line item.
func (s *Service) VerifyPrescriptionItem(ctx context.Context, id, productID uuid.UUID, actor string) (*Order, error) {
	o, err := s.orders.SetItemVerified(ctx, id, productID, actor)
	if !errors.Is(err, ErrOrderNotFound) {
		return o, err
	}
	current, ferr := s.orders.FindByID(ctx, id, "")
	if ferr != nil {
		return nil, ferr
	}
	if current.Status == StatusCancelled {
		return nil, ErrInvalidTransition
	}
	return nil, ErrItemNotFound
}

// explainMiss turns a guarded update that matched nothing into the error the
// caller should see: not found (including someone else's order) or a status
// that does not allow the change.
func (s *Service) explainMiss(ctx context.Context, id uuid.UUID, owner string) error {
	if _, err := s.orders.FindByID(ctx, id, owner); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *Service) emit(ctx context.Context, o *Order, eventType string) error {
	if s.events == nil {
		return nil
	}
	if err := s.events.Insert(ctx, o.ID.String(), eventType, newOrderEvent(o, s.now())); err != nil {
		return fmt.Errorf("write %s event: %w", eventType, err)
	}
	return nil
}

// restoreStock returns every line item's quantity to the ledger. Each item
// runs in its own savepoint: a failure is rolled back alone, logged, counted
// and written to the outbox for reconciliation, and the loop moves on.
func (s *Service) restoreStock(ctx context.Context, o *Order) (*RestorationReport, error) {
	report := &RestorationReport{OrderID: o.ID}
	for _, it := range o.Items {
		err := s.tm.WithinTx(ctx, func(ctx context.Context) error {
			return s.ledger.Restore(ctx, it.ProductID, it.Quantity)
		})
		if err == nil {
			report.Restored++
			continue
		}

		failure := RestorationFailure{OrderID: o.ID, ProductID: it.ProductID, Quantity: it.Quantity, Err: err}
		report.Failures = append(report.Failures, failure)
		s.metrics.RestorationFailure()
		s.logger.Error().Err(err).
			Str("order_id", o.ID.String()).
			Str("order_number", o.OrderNumber).
			Str("product_id", it.ProductID.String()).
			Int("quantity", it.Quantity).
			Msg("stock restoration failed; manual reconciliation required")

		if s.events != nil {
			evt := restorationFailedEvent{
				OrderID:     o.ID,
				OrderNumber: o.OrderNumber,
				ProductID:   it.ProductID,
				Quantity:    it.Quantity,
				Reason:      err.Error(),
				OccurredAt:  s.now().UTC(),
			}
			if err := s.events.Insert(ctx, o.ID.String(), EventStockRestorationFailed, evt); err != nil {
				return nil, fmt.Errorf("write %s event: %w", EventStockRestorationFailed, err)
			}
		}
	}
	return report, nil
}
