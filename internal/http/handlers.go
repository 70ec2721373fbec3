package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/audit"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/janitor"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/rides"
)

// Server exposes the dispatch engine over HTTP. Authentication is an
// external layer: callers arrive with identity headers already verified
// upstream, and handlers only re-validate role-appropriateness.
type Server struct {
	Rides   *rides.Service
	Offers  *offers.Service
	Avail   *availability.Service
	Janitor *janitor.Janitor
	WSReg   *notify.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(logger *slog.Logger, rs *rides.Service, os *offers.Service, av *availability.Service, jn *janitor.Janitor, ws *notify.WSRegistry) *Server {
	s := &Server{Rides: rs, Offers: os, Avail: av, Janitor: jn, WSReg: ws, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRequestRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleAcceptOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/decline", s.handleDeclineOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/start", s.handleStartRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/progress", s.handleProgressRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.handleCompleteRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/online", s.handleSetDriverOnline).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/heartbeat", s.handleDriverHeartbeat).Methods("POST")
	s.mux.HandleFunc("/internal/janitor/sweep", s.handleJanitorSweep).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type requestRidePayload struct {
	Pickup       models.Coord `json:"pickup"`
	Dropoff      models.Coord `json:"dropoff"`
	PriceCents   int64        `json:"price_cents"`
	ServiceClass string       `json:"service_class"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var p requestRidePayload
	if err := decodeJSON(r, &p); err != nil {
		s.writeErr(w, r, err)
		return
	}
	ride, err := s.Rides.Request(r.Context(), caller, rides.RequestInput{
		Pickup:       p.Pickup,
		Dropoff:      p.Dropoff,
		PriceCents:   p.PriceCents,
		ServiceClass: p.ServiceClass,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, map[string]any{"ride": ride})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	if _, err := callerFromRequest(r); err != nil {
		s.writeErr(w, r, err)
		return
	}
	ride, err := s.Rides.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, map[string]any{"ride": ride})
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Offers.Accept)
}

func (s *Server) handleDeclineOffer(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Offers.Decline)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Rides.Start)
}

func (s *Server) handleProgressRide(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Rides.Progress)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Rides.Complete)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Rides.Cancel)
}

type transitionFunc func(ctx context.Context, caller models.Identity, rideID string) error

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	caller, err := callerFromRequest(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := fn(r.Context(), caller, mux.Vars(r)["ride_id"]); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, nil)
}

type setOnlinePayload struct {
	Online bool `json:"online"`
}

func (s *Server) handleSetDriverOnline(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var p setOnlinePayload
	if err := decodeJSON(r, &p); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.Avail.SetOnline(r.Context(), caller, p.Online); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, nil)
}

func (s *Server) handleDriverHeartbeat(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var loc models.Coord
	if err := decodeJSON(r, &loc); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.Avail.Heartbeat(r.Context(), caller, loc); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, nil)
}

func (s *Server) handleJanitorSweep(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if caller.Role != models.RoleOperator {
		s.writeErr(w, r, fault.New(fault.PermissionDenied, "janitor sweep is operator-only"))
		return
	}
	rep, err := s.Janitor.Sweep(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, map[string]any{"report": rep})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

// callerFromRequest reads the identity asserted by the upstream auth
// layer. Missing headers mean the request never passed auth.
func callerFromRequest(r *http.Request) (models.Identity, error) {
	id := r.Header.Get("X-Caller-ID")
	if id == "" {
		return models.Identity{}, fault.New(fault.Unauthenticated, "missing caller identity")
	}
	role, err := models.ParseRole(r.Header.Get("X-Caller-Role"))
	if err != nil {
		return models.Identity{}, fault.Wrap(fault.Unauthenticated, "bad caller role", err)
	}
	return models.Identity{ID: id, Role: role}, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.InvalidArgument, "malformed payload", err)
	}
	return nil
}

func (s *Server) writeOK(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := fault.CodeOf(err)
	status := fault.HTTPStatus(code)
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", audit.RequestIDFromContext(r.Context()), "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":    false,
		"error": map[string]any{"code": code, "message": err.Error()},
	})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
