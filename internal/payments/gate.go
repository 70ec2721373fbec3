// Package payments holds the Payment Gate contract. The processing
// service itself is an external collaborator; the engine only consults
// authorization before a ride starts and captures on completion.
package payments

import (
	"context"
	"sync"
)

// Gate is the two-call payment boundary.
type Gate interface {
	// IsAuthorized reports whether a payment hold exists for the ride.
	IsAuthorized(ctx context.Context, rideID string) (bool, error)
	// Capture settles the hold and returns the captured amount in
	// cents. Capturing an already-settled hold reports the amount
	// captured the first time, so a retried completion cannot fail on
	// its payment leg.
	Capture(ctx context.Context, rideID string, amountCents int64) (int64, error)
}

// MemoryGate backs tests and infra-less local runs. Capture is
// idempotent: a second capture of the same ride returns the original
// amount without effect.
type MemoryGate struct {
	mu         sync.Mutex
	authorized map[string]bool
	captured   map[string]int64
}

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{authorized: make(map[string]bool), captured: make(map[string]int64)}
}

// Authorize records a hold for the ride.
func (g *MemoryGate) Authorize(rideID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authorized[rideID] = true
}

func (g *MemoryGate) IsAuthorized(ctx context.Context, rideID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.authorized[rideID], nil
}

func (g *MemoryGate) Capture(ctx context.Context, rideID string, amountCents int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if amt, ok := g.captured[rideID]; ok {
		return amt, nil
	}
	g.captured[rideID] = amountCents
	return amountCents, nil
}

// Captures returns how many rides have been captured, for tests.
func (g *MemoryGate) Captures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.captured)
}
