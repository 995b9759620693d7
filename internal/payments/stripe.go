package payments

import (
	"context"
	"fmt"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient places manual-capture holds for card rides. Settlement is
// handled elsewhere; only Hold and Cancel are used when a ride is claimed.
type StripeClient struct {
	intents paymentintent.Client
}

func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{intents: paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}}
}

// NewStripeClientWithBackend is used to point the client at another API host.
func NewStripeClientWithBackend(apiKey string, b stripe.Backend) *StripeClient {
	return &StripeClient{intents: paymentintent.Client{B: b, Key: apiKey}}
}

// minorUnits converts a fare to the smallest currency unit.
func minorUnits(amount float64) int64 { return int64(math.Round(amount * 100)) }

// Hold creates a PaymentIntent with capture_method=manual and returns its ID.
// The reference doubles as the idempotency key.
func (s *StripeClient) Hold(ctx context.Context, amount float64, currency, reference string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("hold amount must be positive, got %.2f", amount)
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minorUnits(amount)),
		Currency:      stripe.String(strings.ToLower(currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("ride_id", reference)
	params.SetIdempotencyKey("hold-" + reference)
	pi, err := s.intents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.intents.Cancel(paymentIntentID, params)
	return err
}
