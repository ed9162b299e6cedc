package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/carelink/pharmacy/internal/platform/payment"
)

// Settlement results reported for each provider event.
const (
	ResultProcessed = "processed"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultNoOp      = "no_op"
	ResultFlagged   = "flagged"

	// ResultAwaitingPayment marks a checkout that completed with a payment
	// still clearing; the order stays pending.
	ResultAwaitingPayment = "awaiting_payment"
)

// SettlementOutcome describes what a provider event did to the order.
type SettlementOutcome struct {
	EventID     string             `json:"event_id"`
	Result      string             `json:"result"`
	Order       *Order             `json:"order,omitempty"`
	Restoration *RestorationReport `json:"restoration,omitempty"`
}

// HandlePaymentEvent applies a verified provider event. The event id is
// recorded in the same transaction as the state change so a redelivered
// event is skipped, and every transition is guarded on the order's current
// state so out-of-order delivery cannot move an order backwards.
//
// ErrOrderNotFound is returned only for a completed session no order knows
// about, so the provider keeps retrying until the checkout commit is visible.
func (s *Service) HandlePaymentEvent(ctx context.Context, ev *payment.Event) (*SettlementOutcome, error) {
	out := &SettlementOutcome{EventID: ev.ID}
	if ev.Kind == payment.EventUnknown {
		out.Result = ResultIgnored
		s.finish(ev, out)
		return out, nil
	}

	err := s.tm.WithinTx(ctx, func(ctx context.Context) error {
		fresh, err := s.orders.RecordEvent(ctx, ev.ID, ev.Type)
		if err != nil {
			return err
		}
		if !fresh {
			out.Result = ResultDuplicate
			return nil
		}

		switch ev.Kind {
		case payment.EventSessionCompleted:
			return s.settleCompleted(ctx, ev, out)
		case payment.EventSessionAwaitingPayment:
			return s.settleAwaiting(ctx, ev, out)
		case payment.EventSessionExpired:
			return s.settleExpired(ctx, ev, out)
		case payment.EventChargeRefunded:
			return s.settleRefunded(ctx, ev, out)
		}
		return fmt.Errorf("unhandled payment event kind %q", ev.Kind)
	})
	if err != nil {
		s.metrics.WebhookEvent(ev.Type, "error")
		s.logger.Error().Err(err).Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("payment event failed")
		return nil, err
	}
	s.finish(ev, out)
	return out, nil
}

func (s *Service) finish(ev *payment.Event, out *SettlementOutcome) {
	s.metrics.WebhookEvent(ev.Type, out.Result)
	l := s.logger.Info()
	if out.Result == ResultFlagged {
		l = s.logger.Warn()
	}
	if out.Order != nil {
		l = l.Str("order_id", out.Order.ID.String()).Str("order_number", out.Order.OrderNumber)
	}
	l.Str("event_id", ev.ID).Str("event_type", ev.Type).Str("result", out.Result).Msg("payment event handled")
}

func (s *Service) settleCompleted(ctx context.Context, ev *payment.Event, out *SettlementOutcome) error {
	o, _, err := s.orders.Transition(ctx, Transition{
		Match:             Match{PaymentSessionID: ev.SessionID},
		FromStatus:        []Status{StatusPending},
		FromPaymentStatus: []PaymentStatus{PaymentPending},
		ToStatus:          StatusConfirmed,
		ToPaymentStatus:   PaymentPaid,
		PaymentIntentID:   ev.PaymentIntentID,
		PaymentMethod:     PaymentCard,
		UpdatedBy:         "payment-provider",
	})
	if err == nil {
		out.Result, out.Order = ResultProcessed, o
		return s.emit(ctx, o, EventOrderPaid)
	}
	if !errors.Is(err, ErrOrderNotFound) {
		return err
	}

	current, err := s.orders.FindByPaymentSessionID(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	out.Order = current
	if current.Status != StatusCancelled ||
		(current.PaymentStatus != PaymentPending && current.PaymentStatus != PaymentFailed) {
		out.Result = ResultNoOp
		return nil
	}

	// The customer paid for an order that was cancelled meanwhile. Record the
	// money so it can be refunded, but keep the order cancelled: its stock is
	// already back on the shelf.
	o, _, err = s.orders.Transition(ctx, Transition{
		Match:             Match{PaymentSessionID: ev.SessionID},
		FromStatus:        []Status{StatusCancelled},
		FromPaymentStatus: []PaymentStatus{PaymentPending, PaymentFailed},
		ToPaymentStatus:   PaymentPaid,
		PaymentIntentID:   ev.PaymentIntentID,
		PaymentMethod:     PaymentCard,
		UpdatedBy:         "payment-provider",
	})
	if errors.Is(err, ErrOrderNotFound) {
		out.Result = ResultNoOp
		return nil
	}
	if err != nil {
		return err
	}
	out.Result, out.Order = ResultFlagged, o
	return s.emit(ctx, o, EventOrderPaidAfterCancel)
}

// settleAwaiting leaves the order untouched. The provider follows up with an
// async success (handled as completed) or failure (handled as expired).
func (s *Service) settleAwaiting(ctx context.Context, ev *payment.Event, out *SettlementOutcome) error {
	current, err := s.orders.FindByPaymentSessionID(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	out.Result, out.Order = ResultAwaitingPayment, current
	return nil
}

func (s *Service) settleExpired(ctx context.Context, ev *payment.Event, out *SettlementOutcome) error {
	o, prev, err := s.orders.Transition(ctx, Transition{
		Match:             Match{PaymentSessionID: ev.SessionID},
		FromPaymentStatus: []PaymentStatus{PaymentPending},
		ToStatus:          StatusCancelled,
		ToPaymentStatus:   PaymentFailed,
		UpdatedBy:         "payment-provider",
	})
	if errors.Is(err, ErrOrderNotFound) {
		out.Result = ResultNoOp
		return nil
	}
	if err != nil {
		return err
	}
	return s.settleCancelled(ctx, o, prev, EventOrderPaymentFailed, out)
}

func (s *Service) settleRefunded(ctx context.Context, ev *payment.Event, out *SettlementOutcome) error {
	o, prev, err := s.orders.Transition(ctx, Transition{
		Match:             Match{PaymentIntentID: ev.PaymentIntentID},
		FromPaymentStatus: []PaymentStatus{PaymentPaid},
		ToStatus:          StatusCancelled,
		ToPaymentStatus:   PaymentRefunded,
		UpdatedBy:         "payment-provider",
	})
	if errors.Is(err, ErrOrderNotFound) {
		out.Result = ResultNoOp
		return nil
	}
	if err != nil {
		return err
	}
	return s.settleCancelled(ctx, o, prev, EventOrderRefunded, out)
}

// settleCancelled gives the stock back when the order still held it before
// this transition, then writes the event.
func (s *Service) settleCancelled(ctx context.Context, o *Order, prev Status, eventType string, out *SettlementOutcome) error {
	out.Result, out.Order = ResultProcessed, o
	if holdsStock(prev) {
		report, err := s.restoreStock(ctx, o)
		if err != nil {
			return err
		}
		out.Restoration = report
	}
	return s.emit(ctx, o, eventType)
}
