// Package audit is the append-only event log fed by every lifecycle
// transition and janitor repair.
package audit

import (
	"context"
	"sync"
	"time"
)

type Event struct {
	Kind      string    `json:"kind"`
	RideID    string    `json:"ride_id,omitempty"`
	DriverID  string    `json:"driver_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type requestIDKey struct{}

// WithRequestID tags ctx with the id of the inbound request so events
// appended while handling it can be correlated with the access log.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id set by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Log appends events. Appends are best-effort from the caller's point of
// view: a transition never fails because its audit write did.
type Log interface {
	Append(ctx context.Context, e Event) error
}

// Recorder keeps events in memory for tests and local runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a snapshot of everything appended so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ByKind filters the snapshot by event kind.
func (r *Recorder) ByKind(kind string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// NopLog discards events.
type NopLog struct{}

func (NopLog) Append(ctx context.Context, e Event) error { return nil }
