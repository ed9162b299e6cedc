package payment

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v81"
)

// EventKind classifies provider events the settlement flow understands.
type EventKind string

const (
	EventSessionCompleted EventKind = "session_completed"
	// EventSessionAwaitingPayment is a completed checkout whose payment method
	// settles later (bank debits). The order stays pending until the
	// asynchronous success or failure event arrives.
	EventSessionAwaitingPayment EventKind = "session_awaiting_payment"
	EventSessionExpired         EventKind = "session_expired"
	EventChargeRefunded         EventKind = "charge_refunded"
	EventUnknown                EventKind = "unknown"
)

// Provider event types mapped onto EventKind.
const (
	typeSessionCompleted      = "checkout.session.completed"
	typeSessionExpired        = "checkout.session.expired"
	typeAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	typeAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	typeChargeRefunded        = "charge.refunded"
)

// Event is the part of a provider notification the order lifecycle needs.
type Event struct {
	ID              string
	Type            string
	Kind            EventKind
	SessionID       string
	PaymentIntentID string
	PaymentStatus   string
}

// ParseEvent decodes an unsigned webhook body. Unrecognised types come back
// with Kind EventUnknown and no error.
func ParseEvent(body []byte) (*Event, error) {
	var se stripe.Event
	if err := json.Unmarshal(body, &se); err != nil {
		return nil, fmt.Errorf("decode payment event: %w", err)
	}
	return fromStripe(se)
}

func fromStripe(se stripe.Event) (*Event, error) {
	if se.ID == "" || se.Type == "" {
		return nil, fmt.Errorf("payment event missing id or type")
	}
	ev := &Event{ID: se.ID, Type: string(se.Type), Kind: EventUnknown}

	switch ev.Type {
	case typeSessionCompleted, typeAsyncPaymentSucceeded, typeSessionExpired, typeAsyncPaymentFailed:
		var cs stripe.CheckoutSession
		if err := decodeObject(se, &cs); err != nil {
			return nil, err
		}
		if cs.ID == "" {
			return nil, fmt.Errorf("%s event %s has no session id", ev.Type, ev.ID)
		}
		ev.SessionID = cs.ID
		ev.PaymentStatus = string(cs.PaymentStatus)
		if cs.PaymentIntent != nil {
			ev.PaymentIntentID = cs.PaymentIntent.ID
		}
		switch ev.Type {
		case typeSessionCompleted:
			ev.Kind = EventSessionCompleted
			if cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
				ev.Kind = EventSessionAwaitingPayment
			}
		case typeAsyncPaymentSucceeded:
			ev.Kind = EventSessionCompleted
		default:
			ev.Kind = EventSessionExpired
		}

	case typeChargeRefunded:
		var ch stripe.Charge
		if err := decodeObject(se, &ch); err != nil {
			return nil, err
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return nil, fmt.Errorf("%s event %s has no payment intent", ev.Type, ev.ID)
		}
		ev.Kind = EventChargeRefunded
		ev.PaymentIntentID = ch.PaymentIntent.ID
	}
	return ev, nil
}

func decodeObject(se stripe.Event, v any) error {
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return fmt.Errorf("%s event %s has no data object", se.Type, se.ID)
	}
	if err := json.Unmarshal(se.Data.Raw, v); err != nil {
		return fmt.Errorf("decode %s object: %w", se.Type, err)
	}
	return nil
}
