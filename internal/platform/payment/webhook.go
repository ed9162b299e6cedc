package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81/webhook"
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac>" on every delivery.
const SignatureHeader = "Stripe-Signature"

// ErrInvalidSignature wraps every signature rejection: missing or malformed
// header, mismatch, or a timestamp outside the tolerance.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier authenticates webhook deliveries with the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier builds a verifier. A non-positive tolerance falls back to the
// provider's default of five minutes.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// ConstructEvent checks the signature over the raw body and decodes the
// event. Signature failures match ErrInvalidSignature.
func (v *Verifier) ConstructEvent(body []byte, header string) (*Event, error) {
	se, err := webhook.ConstructEventWithOptions(body, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("decode payment event: %w", err)
	}
	return fromStripe(se)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// SignedHeader builds a valid signature header for body at ts. The server
// never sends webhooks; tests and local tooling use it to produce deliveries.
func (v *Verifier) SignedHeader(body []byte, ts time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    v.secret,
		Timestamp: ts,
	}).Header
}
