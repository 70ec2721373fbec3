package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Total ride requests accepted by intake"})
	RidesCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_cancelled_total", Help: "Total rides cancelled, by reason"},
		[]string{"reason"},
	)
	RidesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_completed_total", Help: "Total rides completed and captured"})

	OffersCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_created_total", Help: "Total offers dispatched to drivers"})
	OffersAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_accepted_total", Help: "Total offers accepted (race winners)"})
	OffersDeclined = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_declined_total", Help: "Total offers declined by drivers"})
	OffersExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_expired_total", Help: "Total pending offers expired by the janitor"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_conflicts_total", Help: "Accept attempts rejected on precondition (lost races, stale accepts)"})

	DispatchAttempts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatch_attempts_total", Help: "Total dispatch cycles run"})
	DispatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "dispatch_latency_seconds", Help: "Candidate selection and offer fan-out latency"})

	JanitorSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "janitor_sweeps_total", Help: "Janitor sweep runs, by sweep"},
		[]string{"sweep"},
	)
	JanitorRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "janitor_repairs_total", Help: "Records repaired by the janitor, by sweep"},
		[]string{"sweep"},
	)

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
