package order

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/pharmacy/internal/domain/catalog"
	"github.com/carelink/pharmacy/internal/platform/payment"
)

// cardOrder checks out qty units of a fresh product by card and returns the
// order with its session.
func cardOrder(t *testing.T, h *harness, stock, qty int) (*Order, uuid.UUID) {
	t.Helper()
	id := h.db.addProduct("Salbutamol Inhaler", "29.99", stock, false)
	res, err := h.svc.Checkout(context.Background(), customerRequest("cust-1", PaymentCard, line(id, qty)))
	require.NoError(t, err)
	require.NotNil(t, res.Order.PaymentSessionID)
	return res.Order, id
}

func completed(eventID, sessionID, intent string) *payment.Event {
	return &payment.Event{
		ID: eventID, Type: "checkout.session.completed", Kind: payment.EventSessionCompleted,
		SessionID: sessionID, PaymentIntentID: intent, PaymentStatus: "paid",
	}
}

func expired(eventID, sessionID string) *payment.Event {
	return &payment.Event{
		ID: eventID, Type: "checkout.session.expired", Kind: payment.EventSessionExpired,
		SessionID: sessionID,
	}
}

func refunded(eventID, intent string) *payment.Event {
	return &payment.Event{
		ID: eventID, Type: "charge.refunded", Kind: payment.EventChargeRefunded,
		PaymentIntentID: intent,
	}
}

func TestSettlement_CompletedConfirmsOrder(t *testing.T) {
	h := newHarness(t)
	o, product := cardOrder(t, h, 3, 1)

	out, err := h.svc.HandlePaymentEvent(context.Background(), completed("evt_1", *o.PaymentSessionID, "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, out.Result)

	stored := h.db.order(o.ID)
	assert.Equal(t, StatusConfirmed, stored.Status)
	assert.Equal(t, PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, PaymentCard, stored.PaymentMethod)
	require.NotNil(t, stored.PaymentIntentID)
	assert.Equal(t, "pi_1", *stored.PaymentIntentID)
	assert.Equal(t, 2, h.db.stock(product))
	assert.Equal(t, []string{EventOrderCreated, EventOrderPaid}, h.db.outboxTypes())
}

func TestSettlement_CompletedReplayIsNoOp(t *testing.T) {
	h := newHarness(t)
	o, _ := cardOrder(t, h, 3, 1)
	ctx := context.Background()
	ev := completed("evt_1", *o.PaymentSessionID, "pi_1")

	_, err := h.svc.HandlePaymentEvent(ctx, ev)
	require.NoError(t, err)

	out, err := h.svc.HandlePaymentEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, out.Result)

	// A redelivery under a new event id is caught by the state guard.
	out, err = h.svc.HandlePaymentEvent(ctx, completed("evt_2", *o.PaymentSessionID, "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, ResultNoOp, out.Result)

	stored := h.db.order(o.ID)
	assert.Equal(t, StatusConfirmed, stored.Status)
	assert.Equal(t, PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, []string{EventOrderCreated, EventOrderPaid}, h.db.outboxTypes())
}

func TestSettlement_CompletedUnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.HandlePaymentEvent(context.Background(), completed("evt_x", "cs_missing", "pi_x"))
	require.ErrorIs(t, err, ErrOrderNotFound)

	// The event id is not burned, so the provider's retry is processed.
	h.db.mu.Lock()
	_, recorded := h.db.events["evt_x"]
	h.db.mu.Unlock()
	assert.False(t, recorded)
}

func TestSettlement_ExpiredRestoresStockOnce(t *testing.T) {
	h := newHarness(t)
	o, product := cardOrder(t, h, 5, 2)
	ctx := context.Background()
	require.Equal(t, 3, h.db.stock(product))

	out, err := h.svc.HandlePaymentEvent(ctx, expired("evt_exp", *o.PaymentSessionID))
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, out.Result)
	require.NotNil(t, out.Restoration)
	assert.True(t, out.Restoration.Complete())
	assert.Equal(t, 1, out.Restoration.Restored)

	stored := h.db.order(o.ID)
	assert.Equal(t, StatusCancelled, stored.Status)
	assert.Equal(t, PaymentFailed, stored.PaymentStatus)
	assert.Equal(t, 5, h.db.stock(product))

	out, err = h.svc.HandlePaymentEvent(ctx, expired("evt_exp_2", *o.PaymentSessionID))
	require.NoError(t, err)
	assert.Equal(t, ResultNoOp, out.Result)
	assert.Equal(t, 5, h.db.stock(product), "no double restoration")
}

func TestSettlement_ExpiredAfterPaymentIsNoOp(t *testing.T) {
	h := newHarness(t)
	o, product := cardOrder(t, h, 5, 1)
	ctx := context.Background()

	_, err := h.svc.HandlePaymentEvent(ctx, completed("evt_1", *o.PaymentSessionID, "pi_1"))
	require.NoError(t, err)
	out, err := h.svc.HandlePaymentEvent(ctx, expired("evt_2", *o.PaymentSessionID))
	require.NoError(t, err)
	assert.Equal(t, ResultNoOp, out.Result)
	assert.Equal(t, StatusConfirmed, h.db.order(o.ID).Status)
	assert.Equal(t, 4, h.db.stock(product))
}

func TestSettlement_RefundRestoresOnce(t *testing.T) {
	h := newHarness(t)
	o, product := cardOrder(t, h, 4, 2)
	ctx := context.Background()

	_, err := h.svc.HandlePaymentEvent(ctx, completed("evt_paid", *o.PaymentSessionID, "pi_42"))
	require.NoError(t, err)
	require.Equal(t, 2, h.db.stock(product))

	out, err := h.svc.HandlePaymentEvent(ctx, refunded("evt_ref_1", "pi_42"))
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, out.Result)
	stored := h.db.order(o.ID)
	assert.Equal(t, StatusCancelled, stored.Status)
	assert.Equal(t, PaymentRefunded, stored.PaymentStatus)
	assert.Equal(t, 4, h.db.stock(product))

	out, err = h.svc.HandlePaymentEvent(ctx, refunded("evt_ref_2", "pi_42"))
	require.NoError(t, err)
	assert.Equal(t, ResultNoOp, out.Result)
	assert.Equal(t, 4, h.db.stock(product), "second refund must not restore again")
}

func TestSettlement_RefundAfterShipmentKeepsStock(t *testing.T) {
	h := newHarness(t)
	o, product := cardOrder(t, h, 4, 1)
	ctx := context.Background()

	_, err := h.svc.HandlePaymentEvent(ctx, completed("evt_paid", *o.PaymentSessionID, "pi_7"))
	require.NoError(t, err)
	for _, to := range []Status{StatusProcessing, StatusShipped} {
		_, err := h.svc.UpdateFulfillment(ctx, o.ID, to, "pharmacist-1")
		require.NoError(t, err)
	}

	out, err := h.svc.HandlePaymentEvent(ctx, refunded("evt_ref", "pi_7"))
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, out.Result)
	assert.Nil(t, out.Restoration)
	assert.Equal(t, 3, h.db.stock(product), "shipped goods are not back on the shelf")
}

func TestSettlement_PaidAfterCancellationIsFlagged(t *testing.T) {
	h := newHarness(t)
	o, product := cardOrder(t, h, 2, 1)
	ctx := context.Background()

	_, _, err := h.svc.Cancel(ctx, o.ID, "cust-1", "cust-1")
	require.NoError(t, err)
	require.Equal(t, 2, h.db.stock(product))

	out, err := h.svc.HandlePaymentEvent(ctx, completed("evt_late", *o.PaymentSessionID, "pi_late"))
	require.NoError(t, err)
	assert.Equal(t, ResultFlagged, out.Result)

	stored := h.db.order(o.ID)
	assert.Equal(t, StatusCancelled, stored.Status)
	assert.Equal(t, PaymentPaid, stored.PaymentStatus)
	assert.Contains(t, h.db.outboxTypes(), EventOrderPaidAfterCancel)

	// Refunding the late payment must not put the stock back a second time.
	out, err = h.svc.HandlePaymentEvent(ctx, refunded("evt_ref", "pi_late"))
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, out.Result)
	assert.Equal(t, PaymentRefunded, h.db.order(o.ID).PaymentStatus)
	assert.Equal(t, 2, h.db.stock(product))
}

func TestSettlement_CancelledAfterPaymentThenRefunded(t *testing.T) {
	h := newHarness(t)
	o, product := cardOrder(t, h, 4, 2)
	ctx := context.Background()

	_, err := h.svc.HandlePaymentEvent(ctx, completed("evt_paid", *o.PaymentSessionID, "pi_c"))
	require.NoError(t, err)
	require.Equal(t, 2, h.db.stock(product))

	cancelled, report, err := h.svc.Cancel(ctx, o.ID, "", "pharmacist-1")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, PaymentPaid, cancelled.PaymentStatus)
	assert.Equal(t, 4, h.db.stock(product))

	out, err := h.svc.HandlePaymentEvent(ctx, refunded("evt_ref", "pi_c"))
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, out.Result)
	assert.Nil(t, out.Restoration)

	stored := h.db.order(o.ID)
	assert.Equal(t, StatusCancelled, stored.Status)
	assert.Equal(t, PaymentRefunded, stored.PaymentStatus)
	assert.Equal(t, 4, h.db.stock(product), "cancellation already restored the stock")
}

func TestSettlement_AwaitingPaymentKeepsOrderPending(t *testing.T) {
	h := newHarness(t)
	o, product := cardOrder(t, h, 3, 1)
	ctx := context.Background()

	out, err := h.svc.HandlePaymentEvent(ctx, &payment.Event{
		ID: "evt_unpaid", Type: "checkout.session.completed", Kind: payment.EventSessionAwaitingPayment,
		SessionID: *o.PaymentSessionID, PaymentIntentID: "pi_bank", PaymentStatus: "unpaid",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultAwaitingPayment, out.Result)

	stored := h.db.order(o.ID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, PaymentPending, stored.PaymentStatus)
	assert.Equal(t, 2, h.db.stock(product))
	assert.Equal(t, []string{EventOrderCreated}, h.db.outboxTypes())

	// The asynchronous success arrives as a completed event.
	ev := completed("evt_async_ok", *o.PaymentSessionID, "pi_bank")
	ev.Type = "checkout.session.async_payment_succeeded"
	out, err = h.svc.HandlePaymentEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, out.Result)
	assert.Equal(t, PaymentPaid, h.db.order(o.ID).PaymentStatus)
}

func TestSettlement_RestorationFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	healthy := h.db.addProduct("Bandages", "3.00", 5, false)
	broken := h.db.addProduct("Discontinued Syrup", "8.00", 5, false)
	ctx := context.Background()

	res, err := h.svc.Checkout(ctx, customerRequest("cust-1", PaymentCard, line(healthy, 2), line(broken, 1)))
	require.NoError(t, err)
	h.db.mu.Lock()
	h.db.failRestore[broken] = catalog.ErrProductNotFound
	h.db.mu.Unlock()

	out, err := h.svc.HandlePaymentEvent(ctx, expired("evt_exp", *res.Order.PaymentSessionID))
	require.NoError(t, err)
	require.NotNil(t, out.Restoration)
	assert.False(t, out.Restoration.Complete())
	assert.Equal(t, 1, out.Restoration.Restored)
	require.Len(t, out.Restoration.Failures, 1)
	assert.Equal(t, broken, out.Restoration.Failures[0].ProductID)
	assert.ErrorIs(t, out.Restoration.Failures[0], catalog.ErrProductNotFound)

	assert.Equal(t, StatusCancelled, h.db.order(res.Order.ID).Status)
	assert.Equal(t, 5, h.db.stock(healthy))
	assert.Equal(t, 4, h.db.stock(broken))
	assert.Contains(t, h.db.outboxTypes(), EventStockRestorationFailed)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StockRestorationFailures))
}

func TestSettlement_UnknownEventIgnored(t *testing.T) {
	h := newHarness(t)
	out, err := h.svc.HandlePaymentEvent(context.Background(), &payment.Event{
		ID: "evt_u", Type: "customer.created", Kind: payment.EventUnknown,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, out.Result)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebhookEvents.WithLabelValues("customer.created", ResultIgnored)))
}
