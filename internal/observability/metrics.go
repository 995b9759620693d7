package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OfferRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_offers", Name: "offer_requests_total", Help: "findOffers calls by outcome"},
		[]string{"outcome"},
	)
	OffersReturned = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_offers",
		Name:      "offers_returned",
		Help:      "Number of options returned per request",
		Buckets:   []float64{0, 1, 2, 3, 4, 5},
	})
	FindLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_offers", Name: "find_latency_seconds", Help: "findOffers latency seconds"})
	DemandMultiplier = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_offers",
		Name:      "demand_multiplier",
		Help:      "Final demand multiplier per request",
		Buckets:   []float64{0.5, 0.8, 0.95, 1.0, 1.1, 1.2, 1.5, 2.0, 2.5, 3.0},
	})
	DriversFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_offers", Name: "drivers_filtered_total", Help: "Candidates dropped by eligibility, by reason"},
		[]string{"reason"},
	)
	RouteFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_offers", Name: "route_fallbacks_total", Help: "Route estimates served by the haversine fallback"})
	ClaimsTotal    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_offers", Name: "claims_total", Help: "claimOffer calls by result"},
		[]string{"result"},
	)
	LocationsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_offers", Name: "location_messages_total", Help: "Driver location messages by outcome"},
		[]string{"outcome"},
	)
	JanitorExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_offers", Name: "janitor_expired_claims_total", Help: "Stale claims expired by the janitor"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_offers", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_offers",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
