// Package notify pushes offer notifications at connected drivers.
// Delivery is best-effort: the offer record in storage is authoritative,
// and a driver who never sees the push simply lets the offer expire.
package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// OfferNote is the payload pushed to a driver for a pending offer.
type OfferNote struct {
	RideID         string  `json:"ride_id"`
	PickupLat      float64 `json:"pickup_lat"`
	PickupLon      float64 `json:"pickup_lon"`
	PriceCents     int64   `json:"price_cents"`
	ServiceClass   string  `json:"service_class"`
	ExpiresAtMs    int64   `json:"expires_at_ms"`
	DistanceMeters float64 `json:"distance_meters"`
}

// Notifier delivers an offer note to one driver.
type Notifier interface {
	Offer(driverID string, note OfferNote) error
}

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(note OfferNote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(note)
}

// WSRegistry holds driver sessions
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[driverID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) Offer(driverID string, note OfferNote) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(note); err != nil {
		if r.logger != nil {
			r.logger.Warn("ws send failed", "driver_id", driverID, "error", err)
		}
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
