package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-offers/internal/apperr"
	"github.com/example/ride-offers/internal/dispatch"
	"github.com/example/ride-offers/internal/ingest"
	"github.com/example/ride-offers/internal/matcher"
	"github.com/example/ride-offers/internal/models"
	"github.com/example/ride-offers/internal/storage"
)

const maxBodyBytes = 1 << 20

// LocationPublisher forwards location pings to the consumer pipeline.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u ingest.LocationUpdate) error
}

// Deps are the collaborators of the HTTP API. Everything but Engine is
// optional.
type Deps struct {
	Engine         *matcher.Service
	Tariffs        storage.TariffRepository
	Locations      *ingest.Applier
	Publisher      LocationPublisher
	WS             *dispatch.WSRegistry
	Auth           *Authenticator
	Ready          func(ctx context.Context) error
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type Server struct {
	engine         *matcher.Service
	tariffs        storage.TariffRepository
	locations      *ingest.Applier
	publisher      LocationPublisher
	wsreg          *dispatch.WSRegistry
	auth           *Authenticator
	ready          func(ctx context.Context) error
	requestTimeout time.Duration
	logger         *slog.Logger
	mux            *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:         d.Engine,
		tariffs:        d.Tariffs,
		locations:      d.Locations,
		publisher:      d.Publisher,
		wsreg:          d.WS,
		auth:           d.Auth,
		ready:          d.Ready,
		requestTimeout: d.RequestTimeout,
		logger:         logger,
		mux:            mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/find-drivers", s.handleFindDrivers).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/book", s.handleBookRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/pricing/info", s.handlePricingInfo).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/recommendations", s.handleRecommendations).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/tariff", s.handleSubmitTariff).Methods(http.MethodPut)
	s.mux.HandleFunc("/api/v1/admin/tariffs/{tariff_id}/approve", s.handleApproveTariff).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// withTimeout bounds engine calls by the configured request timeout.
func (s *Server) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	if s.requestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.requestTimeout)
}

type point struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (p *point) coord(field string) (models.Coord, error) {
	if p == nil || p.Latitude == nil || p.Longitude == nil {
		return models.Coord{}, apperr.Validation("decode", "%s latitude and longitude are required", field)
	}
	return models.Coord{Lat: *p.Latitude, Lon: *p.Longitude}, nil
}

type findDriversRequest struct {
	RiderID        string            `json:"riderId"`
	Pickup         *point            `json:"pickup"`
	Dropoff        *point            `json:"dropoff"`
	RequestTime    *time.Time        `json:"requestTime"`
	PassengerCount int               `json:"passengerCount"`
	Preferences    map[string]string `json:"preferences"`
	Region         string            `json:"region"`
	EventType      string            `json:"eventType"`
	Weather        string            `json:"weather"`
}

func (req findDriversRequest) toModel() (models.RideRequest, error) {
	pickup, err := req.Pickup.coord("pickup")
	if err != nil {
		return models.RideRequest{}, err
	}
	dropoff, err := req.Dropoff.coord("dropoff")
	if err != nil {
		return models.RideRequest{}, err
	}
	rr := models.RideRequest{
		RiderID:        req.RiderID,
		Pickup:         pickup,
		Dropoff:        dropoff,
		PassengerCount: req.PassengerCount,
		Preferences:    req.Preferences,
		Region:         req.Region,
		EventType:      req.EventType,
		Weather:        req.Weather,
	}
	if req.RequestTime != nil {
		rr.RequestTime = *req.RequestTime
	}
	return rr, nil
}

func (s *Server) handleFindDrivers(w http.ResponseWriter, r *http.Request) {
	var body findDriversRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rr, err := body.toModel()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	set, err := s.engine.FindOffers(ctx, rr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if set.Options == nil {
		set.Options = []models.Offer{}
	}
	writeJSON(w, http.StatusOK, set)
}

type bookRideRequest struct {
	DriverID       string   `json:"driverId"`
	RequestID      string   `json:"requestId"`
	RiderID        string   `json:"riderId"`
	Pickup         *point   `json:"pickup"`
	Dropoff        *point   `json:"dropoff"`
	EstimatedPrice *float64 `json:"estimatedPrice"`
	PaymentMethod  string   `json:"paymentMethod"`
	Notes          string   `json:"notes"`
}

type bookRideResponse struct {
	RideID           string               `json:"rideId"`
	Status           models.RideStatus    `json:"status"`
	Driver           models.DriverSummary `json:"driver"`
	EstimatedArrival float64              `json:"estimatedArrival"`
	EstimatedPrice   float64              `json:"estimatedPrice"`
	Currency         string               `json:"currency"`
}

func (s *Server) handleBookRide(w http.ResponseWriter, r *http.Request) {
	var body bookRideRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.DriverID == "" || body.RequestID == "" {
		s.writeError(w, r, apperr.Validation("book", "driverId and requestId are required"))
		return
	}
	// Pickup and dropoff are optional echoes; the issued set is authoritative.
	for field, p := range map[string]*point{"pickup": body.Pickup, "dropoff": body.Dropoff} {
		if p == nil {
			continue
		}
		c, err := p.coord(field)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !c.Valid() {
			s.writeError(w, r, apperr.Validation("book", "invalid %s location", field))
			return
		}
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	out, err := s.engine.ClaimOffer(ctx, matcher.Claim{
		RequestID:     body.RequestID,
		DriverID:      body.DriverID,
		RiderID:       body.RiderID,
		PaymentMethod: body.PaymentMethod,
		Notes:         body.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	switch out.Result {
	case models.ClaimConflict:
		writeJSON(w, http.StatusConflict, errorBody{Error: "driver no longer available", Result: string(out.Result)})
	case models.ClaimExpired:
		writeJSON(w, http.StatusGone, errorBody{Error: "offer expired, request new offers", Result: string(out.Result)})
	default:
		writeJSON(w, http.StatusCreated, bookRideResponse{
			RideID:           out.Ride.ID,
			Status:           out.Ride.Status,
			Driver:           out.Offer.Driver,
			EstimatedArrival: out.Offer.EstimatedArrival,
			EstimatedPrice:   out.Ride.EstimatedPrice,
			Currency:         out.Offer.Currency,
		})
	}
}

func (s *Server) handlePricingInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("latitude"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("longitude"), 64)
	if errLat != nil || errLon != nil {
		s.writeError(w, r, apperr.Validation("pricing", "latitude and longitude must be numbers"))
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	snap, err := s.engine.PricingInfo(ctx, models.Coord{Lat: lat, Lon: lon}, q.Get("region"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// authorize answers 401/403 itself and reports whether the caller may act for
// driverID. An empty driverID admits administrators only.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, driverID string) bool {
	if s.auth == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "authentication is not configured"})
		return false
	}
	claims, err := s.auth.FromRequest(r)
	if err != nil {
		s.log(r).Debug("rejected token", "error", err)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return false
	}
	if (driverID == "" && claims.Role != RoleAdmin) || !claims.CanActFor(driverID) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
		return false
	}
	return true
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if !s.authorize(w, r, driverID) {
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	rec, err := s.engine.DriverRecommendation(ctx, driverID, r.URL.Query().Get("region"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type tariffRequest struct {
	BaseFare         float64    `json:"baseFare"`
	PricePerKm       float64    `json:"pricePerKm"`
	PricePerMinute   float64    `json:"pricePerMinute"`
	MinimumFare      float64    `json:"minimumFare"`
	NightSurcharge   float64    `json:"nightSurcharge"`
	WeekendSurcharge float64    `json:"weekendSurcharge"`
	AirportSurcharge float64    `json:"airportSurcharge"`
	Region           string     `json:"region"`
	Currency         string     `json:"currency"`
	ValidFrom        *time.Time `json:"validFrom"`
	ValidUntil       *time.Time `json:"validUntil"`
}

func (t tariffRequest) validate() error {
	for name, v := range map[string]float64{
		"baseFare": t.BaseFare, "pricePerKm": t.PricePerKm, "pricePerMinute": t.PricePerMinute,
		"minimumFare": t.MinimumFare, "nightSurcharge": t.NightSurcharge,
		"weekendSurcharge": t.WeekendSurcharge, "airportSurcharge": t.AirportSurcharge,
	} {
		if v < 0 {
			return apperr.Validation("tariff", "%s must not be negative", name)
		}
	}
	if t.Region == "" || t.Currency == "" {
		return apperr.Validation("tariff", "region and currency are required")
	}
	if t.ValidFrom != nil && t.ValidUntil != nil && !t.ValidUntil.After(*t.ValidFrom) {
		return apperr.Validation("tariff", "validUntil must be after validFrom")
	}
	return nil
}

// handleSubmitTariff stores a new tariff for the driver. It replaces the
// active one and stays out of offers until an administrator approves it.
func (s *Server) handleSubmitTariff(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if s.tariffs == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "tariff management disabled"})
		return
	}
	if !s.authorize(w, r, driverID) {
		return
	}
	var body tariffRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := body.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	t := models.Tariff{
		DriverID:         driverID,
		BaseFare:         body.BaseFare,
		PricePerKm:       body.PricePerKm,
		PricePerMinute:   body.PricePerMinute,
		MinimumFare:      body.MinimumFare,
		NightSurcharge:   body.NightSurcharge,
		WeekendSurcharge: body.WeekendSurcharge,
		AirportSurcharge: body.AirportSurcharge,
		Region:           body.Region,
		Currency:         body.Currency,
	}
	if body.ValidFrom != nil {
		t.ValidFrom = *body.ValidFrom
	}
	if body.ValidUntil != nil {
		t.ValidUntil = *body.ValidUntil
	}
	saved, err := s.tariffs.SubmitTariff(r.Context(), t)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log(r).Info("tariff submitted", "driver_id", driverID, "tariff_id", saved.ID)
	writeJSON(w, http.StatusAccepted, saved)
}

func (s *Server) handleApproveTariff(w http.ResponseWriter, r *http.Request) {
	tariffID := mux.Vars(r)["tariff_id"]
	if s.tariffs == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "tariff management disabled"})
		return
	}
	if !s.authorize(w, r, "") {
		return
	}
	if err := s.tariffs.ApproveTariff(r.Context(), tariffID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log(r).Info("tariff approved", "tariff_id", tariffID)
	w.WriteHeader(http.StatusNoContent)
}

type locationRequest struct {
	DriverID string     `json:"driver_id"`
	Lat      float64    `json:"lat"`
	Lon      float64    `json:"lon"`
	Online   *bool      `json:"online"`
	At       *time.Time `json:"at"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body locationRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	u := ingest.LocationUpdate{DriverID: body.DriverID, Lat: body.Lat, Lon: body.Lon, Online: true, At: time.Now().UTC()}
	if body.Online != nil {
		u.Online = *body.Online
	}
	if body.At != nil {
		u.At = *body.At
	}
	if u.DriverID == "" || !u.Coord().Valid() {
		s.writeError(w, r, apperr.Validation("location", "driver_id and a valid position are required"))
		return
	}

	if s.publisher != nil {
		if err := s.publisher.PublishLocation(r.Context(), u); err != nil {
			s.log(r).Warn("location publish failed", "driver_id", u.DriverID, "error", err)
		}
	}
	if s.locations != nil {
		if err := s.locations.Apply(r.Context(), u); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsPongWait = 60 * time.Second

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsreg == nil {
		http.Error(w, "websocket notifications disabled", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(r).Warn("ws upgrade failed", "driver_id", id, "error", err)
		return
	}
	s.wsreg.Add(id, conn)
	s.log(r).Info("driver connected", "driver_id", id)

	// The read loop only keeps the connection alive and notices when it goes.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
	s.wsreg.Remove(id, conn)
	_ = conn.Close()
	s.log(r).Info("driver disconnected", "driver_id", id)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.log(r).Warn("health check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type errorBody struct {
	Error  string `json:"error"`
	Result string `json:"result,omitempty"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("decode", "malformed request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto status codes. Internal faults are logged
// and answered without their cause.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// 499 is what proxies log for a client that went away.
		status = 499
	}
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log(r).Error("request failed", "error", err, "status", status)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg})
}
