package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
)

// ErrProviderUnavailable is returned while the circuit to the provider is open.
var ErrProviderUnavailable = errors.New("payment provider unavailable")

type LineItem struct {
	Name       string
	UnitAmount decimal.Decimal
	Quantity   int
}

type SessionRequest struct {
	OrderID       uuid.UUID
	OrderNumber   string
	LineItems     []LineItem
	Currency      string
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
}

// Session is a hosted checkout page created by the provider.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Gateway creates hosted payment sessions.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
}

// ProviderError is an API error answered by the provider.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider returned %d: %s", e.Status, e.Message)
}

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client opens Stripe checkout sessions through a circuit breaker.
type Client struct {
	sessions session.Client
	breaker  *gobreaker.CircuitBreaker[*Session]
	logger   zerolog.Logger
}

func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger = logger.With().Str("component", "payment").Logger()

	backendCfg := &stripe.BackendConfig{
		HTTPClient: &http.Client{Timeout: timeout},
		// The breaker decides when to stop calling; stripe-go must not retry underneath it.
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     leveledLogger{logger},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.BaseURL, "/"))
	}

	c := &Client{
		sessions: session.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.APIKey,
		},
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*Session](gobreaker.Settings{
		Name:        "payment-provider",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client errors mean our request was wrong, not that the provider is down.
		IsSuccessful: func(err error) bool {
			var pe *ProviderError
			if errors.As(err, &pe) {
				return pe.Status < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return c
}

func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	s, err := c.breaker.Execute(func() (*Session, error) {
		return c.createSession(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return s, err
}

func (c *Client) createSession(ctx context.Context, req SessionRequest) (*Session, error) {
	params, err := sessionParams(req)
	if err != nil {
		return nil, err
	}
	params.Context = ctx

	cs, err := c.sessions.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) {
			return nil, &ProviderError{Status: se.HTTPStatusCode, Message: se.Msg}
		}
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if cs.ID == "" || cs.URL == "" {
		return nil, fmt.Errorf("session response missing id or url")
	}
	return &Session{ID: cs.ID, URL: cs.URL}, nil
}

func sessionParams(req SessionRequest) (*stripe.CheckoutSessionParams, error) {
	if len(req.LineItems) == 0 {
		return nil, fmt.Errorf("session needs at least one line item")
	}
	currency := strings.ToLower(req.Currency)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrderID.String()),
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	for _, li := range req.LineItems {
		if li.Quantity <= 0 {
			return nil, fmt.Errorf("line item %q has non-positive quantity", li.Name)
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(int64(li.Quantity)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(MinorUnits(li.UnitAmount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(li.Name),
				},
			},
		})
	}
	params.AddMetadata("order_id", req.OrderID.String())
	params.AddMetadata("order_number", req.OrderNumber)
	// Retrying the same order never opens a second session on the provider side.
	params.SetIdempotencyKey("checkout-" + req.OrderID.String())
	return params, nil
}

// MinorUnits converts a major-unit amount (12.34) to cents (1234), rounding
// half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// leveledLogger routes stripe-go's own logging into zerolog.
type leveledLogger struct {
	l zerolog.Logger
}

func (z leveledLogger) Debugf(format string, v ...interface{}) { z.l.Debug().Msgf(format, v...) }
func (z leveledLogger) Infof(format string, v ...interface{}) { z.l.Debug().Msgf(format, v...) }
func (z leveledLogger) Warnf(format string, v ...interface{}) { z.l.Warn().Msgf(format, v...) }
func (z leveledLogger) Errorf(format string, v ...interface{}) { z.l.Error().Msgf(format, v...) }
