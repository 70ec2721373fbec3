package payments

import (
	"context"
	"os"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/fault"
)

// paymentintent API calls go through these vars so tests can intercept
// them without network access.
var (
	piNew     = paymentintent.New
	piGet     = paymentintent.Get
	piCapture = paymentintent.Capture
	piCancel  = paymentintent.Cancel
)

// StripeGate implements Gate over stripe-go PaymentIntent hold/capture.
// The rider-facing flow creates a manual-capture hold before requesting;
// the engine looks the hold up by ride and treats requires_capture as
// authorized.
type StripeGate struct {
	mu    sync.Mutex
	holds map[string]string // rideID -> PaymentIntent ID
}

// NewStripeGate initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeGate() *StripeGate {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeGate{holds: make(map[string]string)}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds
// for a ride and records the association.
func (s *StripeGate) Hold(ctx context.Context, rideID string, amountCents int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := piNew(params)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.holds[rideID] = pi.ID
	s.mu.Unlock()
	return pi.ID, nil
}

func (s *StripeGate) IsAuthorized(ctx context.Context, rideID string) (bool, error) {
	id, ok := s.hold(rideID)
	if !ok {
		return false, nil
	}
	pi, err := piGet(id, nil)
	if err != nil {
		return false, err
	}
	return pi.Status == stripe.PaymentIntentStatusRequiresCapture, nil
}

// Capture settles the hold. It checks the hold's status first: a
// completion retried after a crash or a lost transaction finds the
// funds already captured and gets the settled amount back instead of a
// hard error, so the ride can still reach completed.
func (s *StripeGate) Capture(ctx context.Context, rideID string, amountCents int64) (int64, error) {
	id, ok := s.hold(rideID)
	if !ok {
		return 0, fault.Newf(fault.FailedPrecondition, "no payment hold for ride %s", rideID)
	}
	pi, err := piGet(id, nil)
	if err != nil {
		return 0, err
	}
	if pi.Status == stripe.PaymentIntentStatusSucceeded {
		return pi.AmountReceived, nil
	}
	pi, err = piCapture(id, &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(amountCents),
	})
	if err != nil {
		return 0, err
	}
	return pi.AmountReceived, nil
}

// Release cancels the hold, e.g. when a ride is cancelled before start.
func (s *StripeGate) Release(ctx context.Context, rideID string) error {
	id, ok := s.hold(rideID)
	if !ok {
		return nil
	}
	_, err := piCancel(id, nil)
	return err
}

func (s *StripeGate) hold(rideID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.holds[rideID]
	return id, ok
}
