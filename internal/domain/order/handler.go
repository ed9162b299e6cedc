package order

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/pharmacy/internal/domain/catalog"
	"github.com/carelink/pharmacy/internal/platform/auth"
	"github.com/carelink/pharmacy/internal/platform/idempotency"
	"github.com/carelink/pharmacy/internal/platform/middleware"
	"github.com/carelink/pharmacy/internal/platform/payment"
	"github.com/carelink/pharmacy/pkg/pagination"
)

const idempotencySettleTimeout = 3 * time.Second

type Handler struct {
	svc      *Service
	idem     idempotency.Store
	verifier *payment.Verifier
	logger   zerolog.Logger
}

// NewHandler wires the order endpoints. A nil verifier accepts unsigned
// webhook deliveries and is only allowed in development.
func NewHandler(svc *Service, idem idempotency.Store, verifier *payment.Verifier, logger zerolog.Logger) *Handler {
	if idem == nil {
		idem = idempotency.NopStore{}
	}
	return &Handler{svc: svc, idem: idem, verifier: verifier, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/checkout", h.Checkout, middleware.RateLimit(middleware.CheckoutRateLimitConfig()))
	api.POST("/webhooks/payment", h.PaymentWebhook)

	api.GET("/orders", h.ListOrders)
	api.GET("/orders/track/:orderNumber", h.TrackOrder)
	api.GET("/orders/:id", h.GetOrder)
	api.POST("/orders/:id/cancel", h.CancelOrder)
	api.POST("/orders/:id/payment-session", h.RetryPayment)

	staff := api.Group("", auth.RequireRole(auth.RolePharmacist))
	staff.PATCH("/orders/:id/status", h.UpdateStatus)
	staff.PATCH("/orders/:id/payment-status", h.RecordPayment)
	staff.PATCH("/orders/:id/items/:productId/verify", h.VerifyItem)
}

type checkoutResponse struct {
	Order        *Order `json:"order"`
	SessionID    string `json:"payment_session_id,omitempty"`
	PaymentURL   string `json:"payment_url,omitempty"`
	PaymentError string `json:"payment_error,omitempty"`
	Replayed     bool   `json:"replayed,omitempty"`
}

func (h *Handler) Checkout(c echo.Context) error {
	ctx := c.Request().Context()
	var req CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	uid := auth.UserIDFromContext(ctx)
	req.CustomerID, req.Actor = uid, uid
	if uid == "" {
		req.Actor = "guest"
	}

	key := idempotency.Key(c.Request())
	scope := "guest:" + c.RealIP()
	if uid != "" {
		scope = "user:" + uid
	}
	if key != "" {
		if err := idempotency.Validate(key); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		prior, err := h.idem.Begin(ctx, scope, key)
		if errors.Is(err, idempotency.ErrInFlight) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if prior != "" {
			return h.replayCheckout(c, prior, uid)
		}
	}

	res, err := h.svc.Checkout(ctx, req)

	// The key must be settled even when the request context is already gone,
	// or retries see "in progress" until the TTL expires.
	idemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), idempotencySettleTimeout)
	defer cancel()
	if err != nil {
		if key != "" {
			if rerr := h.idem.Release(idemCtx, scope, key); rerr != nil {
				h.logger.Warn().Err(rerr).Str("scope", scope).Msg("release idempotency key")
			}
		}
		return httpError(err)
	}
	if key != "" {
		if err := h.idem.Complete(idemCtx, scope, key, res.Order.ID.String()); err != nil {
			h.logger.Warn().Err(err).Str("scope", scope).Msg("complete idempotency key")
		}
	}

	resp := checkoutResponse{Order: res.Order}
	if res.Session != nil {
		resp.SessionID, resp.PaymentURL = res.Session.ID, res.Session.URL
	}
	if res.PaymentErr != nil {
		resp.PaymentError = "payment session could not be created; retry payment or cancel the order"
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) replayCheckout(c echo.Context, orderID, uid string) error {
	id, err := uuid.Parse(orderID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "corrupt idempotency record")
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id, uid)
	if err != nil {
		return httpError(err)
	}
	resp := checkoutResponse{Order: o, Replayed: true}
	if o.PaymentSessionID != nil {
		resp.SessionID = *o.PaymentSessionID
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	owner, err := ownerFilter(c)
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id, owner)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListOrders(c echo.Context) error {
	uid := auth.UserIDFromContext(c.Request().Context())
	if uid == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByCustomer(c.Request().Context(), uid, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) TrackOrder(c echo.Context) error {
	email := c.QueryParam("email")
	if email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email is required")
	}
	o, err := h.svc.Track(c.Request().Context(), c.Param("orderNumber"), email)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

type cancelResponse struct {
	Order       *Order             `json:"order"`
	Restoration *RestorationReport `json:"restoration,omitempty"`
}

func (h *Handler) CancelOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	owner, err := ownerFilter(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	o, report, err := h.svc.Cancel(ctx, id, owner, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cancelResponse{Order: o, Restoration: report})
}

func (h *Handler) RetryPayment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	uid := auth.UserIDFromContext(ctx)
	if uid == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	o, session, err := h.svc.RetryPayment(ctx, id, uid, uid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, checkoutResponse{Order: o, SessionID: session.ID, PaymentURL: session.URL})
}

type statusRequest struct {
	Status Status `json:"status"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	o, err := h.svc.UpdateFulfillment(ctx, id, req.Status, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

type paymentStatusRequest struct {
	PaymentStatus PaymentStatus `json:"payment_status"`
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req paymentStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PaymentStatus != PaymentPaid {
		return echo.NewHTTPError(http.StatusBadRequest, "payment_status must be paid")
	}
	ctx := c.Request().Context()
	o, err := h.svc.RecordOfflinePayment(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) VerifyItem(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	productID, err := uuid.Parse(c.Param("productId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid product id")
	}
	ctx := c.Request().Context()
	o, err := h.svc.VerifyPrescriptionItem(ctx, id, productID, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

// PaymentWebhook verifies the provider signature over the raw body before
// anything is decoded. Unknown orders answer 404 so the provider redelivers.
func (h *Handler) PaymentWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	var ev *payment.Event
	if h.verifier != nil {
		ev, err = h.verifier.ConstructEvent(body, c.Request().Header.Get(payment.SignatureHeader))
		if errors.Is(err, payment.ErrInvalidSignature) {
			h.logger.Warn().Err(err).Str("remote_ip", c.RealIP()).Msg("rejected payment webhook")
			return echo.NewHTTPError(http.StatusBadRequest, "invalid signature")
		}
	} else {
		ev, err = payment.ParseEvent(body)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.HandlePaymentEvent(c.Request().Context(), ev)
	if errors.Is(err, ErrOrderNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no order for payment session")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "payment event not processed")
	}
	return c.JSON(http.StatusOK, map[string]any{"received": true, "result": out.Result})
}

// ownerFilter restricts lookups to the caller's own orders unless the caller
// is staff.
func ownerFilter(c echo.Context) (string, error) {
	ctx := c.Request().Context()
	if auth.IsStaff(ctx) {
		return "", nil
	}
	uid := auth.UserIDFromContext(ctx)
	if uid == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return uid, nil
}

func httpError(err error) error {
	var shortage *catalog.InsufficientStockError
	var provider *PaymentProviderError
	switch {
	case errors.As(err, &shortage):
		return echo.NewHTTPError(http.StatusConflict, shortage.Error())
	case errors.Is(err, catalog.ErrProductNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "product not found")
	case errors.Is(err, ErrOrderNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.Is(err, ErrItemNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotCardPayment):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrEmptyCart), errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidPaymentMethod), errors.Is(err, ErrGuestEmailRequired),
		errors.Is(err, ErrPrescriptionRequired), errors.Is(err, catalog.ErrInvalidQuantity):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPaymentNotConfigured):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &provider):
		return echo.NewHTTPError(http.StatusBadGateway, "payment provider unavailable")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
