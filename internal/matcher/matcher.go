package matcher

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-offers/internal/apperr"
	"github.com/example/ride-offers/internal/eligibility"
	"github.com/example/ride-offers/internal/eta"
	"github.com/example/ride-offers/internal/fare"
	"github.com/example/ride-offers/internal/geo"
	"github.com/example/ride-offers/internal/models"
	"github.com/example/ride-offers/internal/observability"
	"github.com/example/ride-offers/internal/offers"
	"github.com/example/ride-offers/internal/pricing"
	"github.com/example/ride-offers/internal/storage"
)

const (
	DefaultSearchRadiusKm = 10.0
	DefaultOfferTTL       = 5 * time.Minute
	defaultWorkers        = 8
)

// Notifier pushes a newly claimed ride to its driver.
type Notifier interface {
	NotifyRide(ctx context.Context, driverID string, ride models.Ride) error
}

// EventPublisher announces claimed rides to the rest of the platform.
type EventPublisher interface {
	PublishRideClaimed(ctx context.Context, ride models.Ride) error
}

// Authorizer places and releases card holds.
type Authorizer interface {
	Hold(ctx context.Context, amount float64, currency, reference string) (string, error)
	Cancel(ctx context.Context, holdID string) error
}

// Service computes offer menus and commits riders to drivers. Optional
// collaborators (Notify, Events, Payments, Routes) may be nil.
type Service struct {
	Geo          geo.Geo
	Drivers      storage.DriverRepository
	Rides        storage.RideRepository
	Pricing      *pricing.Model
	Routes       eta.Estimator
	Ledger       Ledger
	Airports     []geo.Airport
	WorkingHours eligibility.WorkingHours
	Notify       Notifier
	Events       EventPublisher
	Payments     Authorizer
	Logger       *slog.Logger

	RadiusKm   float64
	MaxOptions int
	OfferTTL   time.Duration
	Workers    int
	Now        func() time.Time
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Service) radius() float64 {
	if s.RadiusKm <= 0 {
		return DefaultSearchRadiusKm
	}
	return s.RadiusKm
}

func (s *Service) offerTTL() time.Duration {
	if s.OfferTTL <= 0 || s.OfferTTL > DefaultOfferTTL {
		return DefaultOfferTTL
	}
	return s.OfferTTL
}

func (s *Service) airports() []geo.Airport {
	if s.Airports == nil {
		return geo.DefaultAirports
	}
	return s.Airports
}

func validateRequest(req models.RideRequest) error {
	if !req.Pickup.Valid() {
		return apperr.Validation("FindOffers", "invalid pickup location %v", req.Pickup)
	}
	if !req.Dropoff.Valid() {
		return apperr.Validation("FindOffers", "invalid dropoff location %v", req.Dropoff)
	}
	if req.PassengerCount < 0 {
		return apperr.Validation("FindOffers", "passenger count must not be negative")
	}
	return nil
}

// FindOffers prices every eligible driver near the pickup and returns a short
// diverse menu. No drivers is an empty menu, not an error. Only a malformed
// request or a done context fail the call.
func (s *Service) FindOffers(ctx context.Context, req models.RideRequest) (models.OfferSet, error) {
	start := time.Now()
	defer func() { observability.FindLatency.Observe(time.Since(start).Seconds()) }()

	if err := validateRequest(req); err != nil {
		observability.OfferRequestsTotal.WithLabelValues("invalid").Inc()
		return models.OfferSet{}, err
	}
	now := s.now()
	at := req.RequestTime
	if at.IsZero() {
		at = now
	}

	res, err := s.Pricing.Multiplier(ctx, models.PricingContext{
		RequestTime: at,
		Location:    req.Pickup,
		Region:      req.Region,
		EventType:   req.EventType,
		Weather:     req.Weather,
	})
	if err != nil {
		observability.OfferRequestsTotal.WithLabelValues("canceled").Inc()
		return models.OfferSet{}, err
	}
	observability.DemandMultiplier.Observe(res.Final)

	set := models.OfferSet{
		PricingInfo: pricingInfo(res),
		RequestID:   uuid.NewString(),
		ValidUntil:  now.Add(s.offerTTL()),
		Metadata:    map[string]any{"searchRadiusKm": s.radius()},
	}

	outcome := "ok"
	options, err := s.buildOffers(ctx, req, at, res.Final, set.Metadata)
	if err == nil && len(options) > 0 {
		err = s.Ledger.Record(ctx, issuedFrom(req, models.OfferSet{Options: options, RequestID: set.RequestID, ValidUntil: set.ValidUntil}))
	}
	switch {
	case err != nil && ctx.Err() != nil:
		observability.OfferRequestsTotal.WithLabelValues("canceled").Inc()
		return models.OfferSet{}, ctx.Err()
	case err != nil:
		s.logger().Error("offer computation failed", "request_id", set.RequestID, "error", err)
		outcome = "degraded"
		options = nil
	case len(options) == 0:
		outcome = "empty"
	}
	if options == nil {
		options = []models.Offer{}
	}
	if len(options) == 0 {
		set.Metadata["reason"] = "no_drivers_available"
	}
	set.Options = options
	observability.OfferRequestsTotal.WithLabelValues(outcome).Inc()
	observability.OffersReturned.Observe(float64(len(options)))
	s.logger().Info("offers computed",
		"request_id", set.RequestID,
		"options", len(options),
		"multiplier", res.Final,
		"outcome", outcome,
	)
	return set, nil
}

func pricingInfo(r pricing.Result) models.PricingInfo {
	comps := make(map[string]float64, len(r.Components))
	for k, v := range r.Components {
		comps[k] = fare.Round2(v)
	}
	return models.PricingInfo{
		Multiplier:  fare.Round2(r.Final),
		Level:       string(r.Level),
		Explanation: r.Explanation,
		Components:  comps,
	}
}

func (s *Service) buildOffers(ctx context.Context, req models.RideRequest, at time.Time, multiplier float64, meta map[string]any) ([]models.Offer, error) {
	ids, err := s.Geo.Nearby(ctx, req.Pickup, s.radius())
	if err != nil {
		return nil, err
	}
	meta["candidates"] = len(ids)
	if len(ids) == 0 {
		meta["eligible"] = 0
		return nil, nil
	}
	drivers, err := s.Drivers.GetDrivers(ctx, ids)
	if err != nil {
		return nil, err
	}
	active, err := s.Rides.ActiveRideStatuses(ctx, ids)
	if err != nil {
		return nil, err
	}
	filter := eligibility.Filter{Airports: s.airports(), WorkingHours: s.WorkingHours, ActiveRides: active}
	eligible := filter.Apply(drivers, req.Pickup, req.Dropoff, at)
	meta["eligible"] = len(eligible)
	if len(eligible) == 0 {
		return nil, nil
	}

	airportTrip := geo.AirportTrip(req.Pickup, req.Dropoff, s.airports())
	meta["airportTrip"] = airportTrip
	routes := eta.NewCache(&eta.Fallback{Primary: s.Routes, Logger: s.logger()})
	trip, err := routes.Estimate(ctx, req.Pickup, req.Dropoff, eta.LegTrip)
	if err != nil {
		return nil, err
	}
	if trip.Degraded {
		observability.RouteFallbacks.Inc()
	}

	workers := s.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	all := make([]models.Offer, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, d := range eligible {
		i, d := i, d
		g.Go(func() error {
			toPickup, err := routes.Estimate(gctx, d.Loc, req.Pickup, eta.LegToPickup)
			if err != nil {
				return err
			}
			if toPickup.Degraded {
				observability.RouteFallbacks.Inc()
			}
			all[i] = buildOffer(d, toPickup, trip, fare.Calculator{}.Price(*d.Tariff, trip, at, airportTrip), multiplier)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// errgroup cancels gctx only on error; a caller deadline still has to win.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return offers.Select(all, s.MaxOptions), nil
}

func buildOffer(d models.Driver, toPickup, trip models.RouteEstimate, b fare.Breakdown, multiplier float64) models.Offer {
	price := b.Report(multiplier)
	return models.Offer{
		DriverID: d.ID,
		Driver: models.DriverSummary{
			Name:       d.Name,
			Rating:     d.Rating,
			TripsCount: d.TripsCount,
			Vehicle:    d.Vehicle,
			Photo:      d.PhotoURL,
		},
		Pricing: price,
		Logistics: models.Logistics{
			EstimatedArrival:  fare.Round2(toPickup.ETAMinutes),
			EstimatedTripTime: fare.Round2(trip.ETAMinutes),
			Distance:          fare.Round2(trip.DistanceKm),
		},
		Score:    offers.Score(d, price.TotalCost, toPickup.ETAMinutes),
		Category: offers.Categorize(d, price.TotalCost),
	}
}

// Claim asks to commit a rider to one driver of an issued offer set.
type Claim struct {
	RequestID     string
	DriverID      string
	RiderID       string
	PaymentMethod string
	Notes         string
}

type Claimed struct {
	Result models.ClaimResult
	Ride   *models.Ride
	Offer  IssuedOffer
}

// ClaimOffer takes the driver out of availability for the claiming ride. Of
// concurrent claims on one driver exactly one succeeds; the others get
// ClaimConflict. Claims after the set's validity window get ClaimExpired.
func (s *Service) ClaimOffer(ctx context.Context, c Claim) (Claimed, error) {
	if c.RequestID == "" || c.DriverID == "" {
		return Claimed{}, apperr.Validation("ClaimOffer", "requestId and driverId are required")
	}
	is, err := s.Ledger.Lookup(ctx, c.RequestID)
	if err != nil {
		return Claimed{}, err
	}
	offer, ok := is.Offers[c.DriverID]
	if !ok || (is.RiderID != "" && c.RiderID != "" && is.RiderID != c.RiderID) {
		return Claimed{}, apperr.NotFound("ClaimOffer", "driver %s was not offered in %s", c.DriverID, c.RequestID)
	}
	out := Claimed{Offer: offer}
	if !s.now().Before(is.ValidUntil) {
		return s.claimed(out, models.ClaimExpired), nil
	}

	d, err := s.Drivers.GetDriver(ctx, c.DriverID)
	if err != nil {
		return Claimed{}, err
	}
	if !d.Bookable() {
		return s.claimed(out, models.ClaimConflict), nil
	}

	rideID := uuid.NewString()
	holdID, err := s.hold(ctx, c, offer, rideID)
	if err != nil {
		return Claimed{}, err
	}
	if err := s.Drivers.ClaimDriver(ctx, c.DriverID, rideID); err != nil {
		s.cancelHold(ctx, holdID)
		if errors.Is(err, apperr.ErrConflict) {
			return s.claimed(out, models.ClaimConflict), nil
		}
		return Claimed{}, err
	}

	riderID := c.RiderID
	if riderID == "" {
		riderID = is.RiderID
	}
	ride := &models.Ride{
		ID:             rideID,
		RequestID:      c.RequestID,
		RiderID:        riderID,
		DriverID:       c.DriverID,
		Pickup:         is.Pickup,
		Dropoff:        is.Dropoff,
		EstimatedPrice: offer.Price,
		Status:         models.RideAccepted,
		PaymentMethod:  c.PaymentMethod,
		Notes:          c.Notes,
	}
	if err := s.Rides.SaveRide(ctx, ride); err != nil {
		if rerr := s.Drivers.ReleaseDriver(context.WithoutCancel(ctx), c.DriverID, rideID); rerr != nil {
			s.logger().Error("release after failed ride save", "driver_id", c.DriverID, "ride_id", rideID, "error", rerr)
		}
		s.cancelHold(ctx, holdID)
		return Claimed{}, err
	}

	if s.Notify != nil {
		if err := s.Notify.NotifyRide(ctx, c.DriverID, *ride); err != nil {
			s.logger().Warn("driver notification failed", "driver_id", c.DriverID, "ride_id", rideID, "error", err)
		}
	}
	if s.Events != nil {
		if err := s.Events.PublishRideClaimed(ctx, *ride); err != nil {
			s.logger().Warn("ride event publish failed", "ride_id", rideID, "error", err)
		}
	}
	s.logger().Info("offer claimed", "request_id", c.RequestID, "driver_id", c.DriverID, "ride_id", rideID)
	out.Ride = ride
	return s.claimed(out, models.ClaimSuccess), nil
}

func (s *Service) claimed(out Claimed, r models.ClaimResult) Claimed {
	observability.ClaimsTotal.WithLabelValues(string(r)).Inc()
	out.Result = r
	return out
}

func (s *Service) hold(ctx context.Context, c Claim, offer IssuedOffer, rideID string) (string, error) {
	if s.Payments == nil || !strings.EqualFold(c.PaymentMethod, "card") {
		return "", nil
	}
	id, err := s.Payments.Hold(ctx, offer.Price, offer.Currency, rideID)
	if err != nil {
		return "", apperr.Upstream("payment hold", err)
	}
	return id, nil
}

func (s *Service) cancelHold(ctx context.Context, holdID string) {
	if holdID == "" {
		return
	}
	if err := s.Payments.Cancel(context.WithoutCancel(ctx), holdID); err != nil {
		s.logger().Error("payment hold cancel failed", "hold_id", holdID, "error", err)
	}
}

// Reference trip used to quote a regional price range.
const (
	referenceTripKm      = 5.0
	referenceTripMinutes = 15.0
	priceRangeSpread     = 0.15
)

type PriceRange struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Typical float64 `json:"typical"`
}

// PricingSnapshot is the current pricing state around a point.
type PricingSnapshot struct {
	models.PricingInfo
	Demand              pricing.Demand     `json:"demand"`
	RegionStats         models.RegionStats `json:"regionStats"`
	EstimatedPriceRange PriceRange         `json:"estimatedPriceRange"`
}

func (s *Service) PricingInfo(ctx context.Context, p models.Coord, region string) (PricingSnapshot, error) {
	if !p.Valid() {
		return PricingSnapshot{}, apperr.Validation("PricingInfo", "invalid location %v", p)
	}
	res, err := s.Pricing.Multiplier(ctx, models.PricingContext{RequestTime: s.now(), Location: p, Region: region})
	if err != nil {
		return PricingSnapshot{}, err
	}
	stats := s.regionStats(ctx, region)

	ref := math.Max(stats.AvgBaseFare+referenceTripKm*stats.AvgPricePerKm+referenceTripMinutes*stats.AvgPricePerMinute, stats.AvgMinimumFare)
	typical := ref * res.Final
	return PricingSnapshot{
		PricingInfo: pricingInfo(res),
		Demand:      res.Demand,
		RegionStats: stats,
		EstimatedPriceRange: PriceRange{
			Min:     fare.Round2(typical * (1 - priceRangeSpread)),
			Max:     fare.Round2(typical * (1 + priceRangeSpread)),
			Typical: fare.Round2(typical),
		},
	}, nil
}

// regionStats falls back to the built-in averages when a region has no
// approved tariffs or the statistics cannot be read.
func (s *Service) regionStats(ctx context.Context, region string) models.RegionStats {
	stats, err := s.Rides.RegionStats(ctx, region)
	if err != nil {
		s.logger().Warn("region stats unavailable", "region", region, "error", err)
	}
	if err != nil || stats.DriverCount == 0 {
		fb := pricing.FallbackRegionStats
		fb.Region = region
		return fb
	}
	return stats
}

// DriverRecommendation suggests a tariff for the driver in the region. An
// empty region means the region of the driver's current tariff.
func (s *Service) DriverRecommendation(ctx context.Context, driverID, region string) (pricing.Recommendation, error) {
	d, err := s.Drivers.GetDriver(ctx, driverID)
	if err != nil {
		return pricing.Recommendation{}, err
	}
	if region == "" && d.Tariff != nil {
		region = d.Tariff.Region
	}
	ds, err := s.Rides.DriverStats(ctx, driverID)
	if err != nil {
		return pricing.Recommendation{}, err
	}
	return pricing.RecommendTariff(d, s.regionStats(ctx, region), ds), nil
}

// ExpireStaleClaims closes claims that never progressed past "accepted" before
// the cutoff and gives their drivers back to the pool.
func (s *Service) ExpireStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	rides, err := s.Rides.ExpireStaleClaims(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, r := range rides {
		if err := s.Drivers.ReleaseDriver(ctx, r.DriverID, r.ID); err != nil {
			s.logger().Warn("release of expired claim failed", "driver_id", r.DriverID, "ride_id", r.ID, "error", err)
		}
	}
	if s.Ledger != nil {
		if _, err := s.Ledger.Prune(ctx, s.now()); err != nil {
			s.logger().Warn("offer ledger prune failed", "error", err)
		}
	}
	return len(rides), nil
}
