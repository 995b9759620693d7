package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-offers/internal/dispatch"
	"github.com/example/ride-offers/internal/geo"
	"github.com/example/ride-offers/internal/ingest"
	"github.com/example/ride-offers/internal/matcher"
	"github.com/example/ride-offers/internal/models"
	"github.com/example/ride-offers/internal/pricing"
	"github.com/example/ride-offers/internal/storage"
)

const testSecret = "test-secret"

type fakePublisher struct {
	mu      sync.Mutex
	updates []ingest.LocationUpdate
	err     error
}

func (p *fakePublisher) PublishLocation(ctx context.Context, u ingest.LocationUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return p.err
}

type testEnv struct {
	srv   *Server
	store *storage.MemoryStore
	index *geo.Index
	ws    *dispatch.WSRegistry
	pub   *fakePublisher
	auth  *Authenticator
	clock time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: storage.NewMemoryStore(),
		index: geo.NewIndex(),
		pub:   &fakePublisher{},
		auth:  NewAuthenticator(testSecret),
		clock: time.Date(2024, 3, 12, 11, 0, 0, 0, time.UTC),
	}
	env.store.SetClock(func() time.Time { return env.clock })
	env.ws = dispatch.NewWSRegistry(nil)
	ledger := matcher.NewMemoryLedger()
	ledger.SetClock(func() time.Time { return env.clock })
	engine := &matcher.Service{
		Geo:     env.index,
		Drivers: env.store,
		Rides:   env.store,
		Pricing: pricing.NewModel(pricing.DefaultTables(), env.store, nil),
		Ledger:  ledger,
		Notify:  env.ws,
		Now:     func() time.Time { return env.clock },
	}
	env.srv = NewServer(Deps{
		Engine:         engine,
		Tariffs:        env.store,
		Locations:      &ingest.Applier{Geo: env.index, Drivers: env.store, Attempts: 1},
		Publisher:      env.pub,
		WS:             env.ws,
		Auth:           env.auth,
		RequestTimeout: time.Second,
	})
	return env
}

func (e *testEnv) addDriver(t *testing.T, id string, lat, lon float64) {
	t.Helper()
	d := models.Driver{
		ID: id, Name: "driver " + id, Loc: models.Coord{Lat: lat, Lon: lon},
		Online: true, Available: true, Rating: 4.8, TripsCount: 500, Vehicle: "Skoda Octavia",
		Tariff: &models.Tariff{
			BaseFare: 100, PricePerKm: 20, PricePerMinute: 5, MinimumFare: 150,
			Region: "moscow", Currency: "RUB", IsApproved: true, IsActive: true,
		},
	}
	e.store.PutDriver(d)
	require.NoError(t, e.index.Upsert(context.Background(), d))
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func findBody() map[string]any {
	return map[string]any{
		"riderId": "rider-1",
		"pickup":  map[string]float64{"latitude": 55.7558, "longitude": 37.6173},
		"dropoff": map[string]float64{"latitude": 55.7800, "longitude": 37.6500},
	}
}

func (e *testEnv) findOffers(t *testing.T) models.OfferSet {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/rides/find-drivers", findBody(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var set models.OfferSet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	return set
}

func TestFindDrivers(t *testing.T) {
	env := newTestEnv(t)
	env.addDriver(t, "d1", 55.7560, 37.6180)
	env.addDriver(t, "d2", 55.7600, 37.6200)

	rec := env.do(t, http.MethodPost, "/api/v1/rides/find-drivers", findBody(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	for _, key := range []string{"options", "pricingInfo", "requestId", "validUntil", "metadata"} {
		assert.Contains(t, raw, key)
	}
	options := raw["options"].([]any)
	require.Len(t, options, 2)
	first := options[0].(map[string]any)
	for _, key := range []string{"pricing", "logistics", "driver", "score", "category", "label"} {
		assert.Contains(t, first, key)
	}
	assert.Contains(t, first["pricing"], "totalCost")
	assert.Contains(t, first["logistics"], "estimatedArrival")
	assert.Contains(t, raw["pricingInfo"], "currentMultiplier")
}

func TestFindDriversEmptyMenu(t *testing.T) {
	env := newTestEnv(t)

	set := env.findOffers(t)
	assert.Empty(t, set.Options)
	assert.NotNil(t, set.Options)
	assert.Equal(t, "no_drivers_available", set.Metadata["reason"])
}

func TestFindDriversValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{name: "missing dropoff", body: map[string]any{"pickup": map[string]float64{"latitude": 1, "longitude": 1}}},
		{name: "latitude out of range", body: map[string]any{
			"pickup":  map[string]float64{"latitude": 91, "longitude": 1},
			"dropoff": map[string]float64{"latitude": 1, "longitude": 1},
		}},
		{name: "not json", body: "pickup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/rides/find-drivers", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestBookRide(t *testing.T) {
	env := newTestEnv(t)
	env.addDriver(t, "d1", 55.7560, 37.6180)
	set := env.findOffers(t)
	require.Len(t, set.Options, 1)

	book := map[string]any{"driverId": "d1", "requestId": set.RequestID, "riderId": "rider-1", "notes": "gate 3"}
	rec := env.do(t, http.MethodPost, "/api/v1/rides/book", book, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp bookRideResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RideID)
	assert.Equal(t, models.RideAccepted, resp.Status)
	assert.Equal(t, "driver d1", resp.Driver.Name)
	assert.Equal(t, set.Options[0].Pricing.TotalCost, resp.EstimatedPrice)
	assert.Equal(t, set.Options[0].Logistics.EstimatedArrival, resp.EstimatedArrival)

	ride, ok := env.store.Ride(resp.RideID)
	require.True(t, ok)
	assert.Equal(t, "gate 3", ride.Notes)

	rec = env.do(t, http.MethodPost, "/api/v1/rides/book", book, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "driver no longer available")
}

func TestBookRideExpired(t *testing.T) {
	env := newTestEnv(t)
	env.addDriver(t, "d1", 55.7560, 37.6180)
	set := env.findOffers(t)

	env.clock = set.ValidUntil
	rec := env.do(t, http.MethodPost, "/api/v1/rides/book", map[string]any{"driverId": "d1", "requestId": set.RequestID}, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Contains(t, rec.Body.String(), `"result":"expired"`)
}

func TestBookRideErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/rides/book", map[string]any{"driverId": "d1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/rides/book", map[string]any{"driverId": "d1", "requestId": "nope"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/rides/book", map[string]any{
		"driverId": "d1", "requestId": "nope",
		"pickup": map[string]float64{"latitude": 120, "longitude": 0},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPricingInfo(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/pricing/info?latitude=55.7558&longitude=37.6173&region=moscow", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	for _, key := range []string{"currentMultiplier", "demandLevel", "explanation", "components", "regionStats", "estimatedPriceRange"} {
		assert.Contains(t, raw, key)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/pricing/info?latitude=north&longitude=1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecommendationsAccessControl(t *testing.T) {
	env := newTestEnv(t)
	env.addDriver(t, "d1", 55.7560, 37.6180)

	own, err := env.auth.Issue("d1", "driver", time.Hour)
	require.NoError(t, err)
	other, err := env.auth.Issue("d2", "driver", time.Hour)
	require.NoError(t, err)
	admin, err := env.auth.Issue("ops", RoleAdmin, time.Hour)
	require.NoError(t, err)
	expired, err := env.auth.Issue("d1", "driver", -time.Minute)
	require.NoError(t, err)
	forged, err := NewAuthenticator("other-secret").Issue("d1", "driver", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{name: "own driver", token: own, status: http.StatusOK},
		{name: "admin", token: admin, status: http.StatusOK},
		{name: "other driver", token: other, status: http.StatusForbidden},
		{name: "expired", token: expired, status: http.StatusUnauthorized},
		{name: "wrong secret", token: forged, status: http.StatusUnauthorized},
		{name: "missing", token: "", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := map[string]string{}
			if tt.token != "" {
				header["Authorization"] = "Bearer " + tt.token
			}
			rec := env.do(t, http.MethodGet, "/api/v1/drivers/d1/recommendations?region=moscow", nil, header)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status == http.StatusOK {
				var rec2 pricing.Recommendation
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rec2))
				assert.Equal(t, "d1", rec2.DriverID)
				assert.Equal(t, "moscow", rec2.Region)
			}
		})
	}

	rec := env.do(t, http.MethodGet, "/api/v1/drivers/ghost/recommendations", nil, map[string]string{"Authorization": "Bearer " + admin})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTariffLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.addDriver(t, "d1", 55.7560, 37.6180)
	driverToken, err := env.auth.Issue("d1", "driver", time.Hour)
	require.NoError(t, err)
	adminToken, err := env.auth.Issue("ops", RoleAdmin, time.Hour)
	require.NoError(t, err)
	asDriver := map[string]string{"Authorization": "Bearer " + driverToken}
	asAdmin := map[string]string{"Authorization": "Bearer " + adminToken}

	body := map[string]any{
		"baseFare": 120, "pricePerKm": 22, "pricePerMinute": 6, "minimumFare": 180,
		"region": "moscow", "currency": "RUB",
	}
	rec := env.do(t, http.MethodPut, "/api/v1/drivers/d1/tariff", map[string]any{"baseFare": -1, "region": "moscow", "currency": "RUB"}, asDriver)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/drivers/d2/tariff", body, asDriver)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/drivers/d1/tariff", body, asDriver)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var saved models.Tariff
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.False(t, saved.IsApproved)

	// A pending tariff keeps the driver out of offers.
	assert.Empty(t, env.findOffers(t).Options)

	rec = env.do(t, http.MethodPost, "/api/v1/admin/tariffs/"+saved.ID+"/approve", nil, asDriver)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/admin/tariffs/"+saved.ID+"/approve", nil, asAdmin)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/admin/tariffs/unknown/approve", nil, asAdmin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	set := env.findOffers(t)
	require.Len(t, set.Options, 1)
	assert.GreaterOrEqual(t, set.Options[0].Pricing.TotalCost, 180.0)
}

func TestDriverLocation(t *testing.T) {
	env := newTestEnv(t)
	env.addDriver(t, "d1", 55.7560, 37.6180)

	rec := env.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{"driver_id": "d1", "lat": 55.70, "lon": 37.50}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, env.pub.updates, 1)
	assert.True(t, env.pub.updates[0].Online)
	d, err := env.store.GetDriver(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.Coord{Lat: 55.70, Lon: 37.50}, d.Loc)
	ids, err := env.index.Nearby(context.Background(), models.Coord{Lat: 55.70, Lon: 37.50}, 0.5)
	require.NoError(t, err)
	assert.Contains(t, ids, "d1")

	rec = env.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{"driver_id": "d1", "lat": 95, "lon": 37.50}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDriverLocationPublishFailureStillApplies(t *testing.T) {
	env := newTestEnv(t)
	env.addDriver(t, "d1", 55.7560, 37.6180)
	env.pub.err = errors.New("broker down")

	rec := env.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{"driver_id": "d1", "lat": 55.71, "lon": 37.51, "online": false}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	d, err := env.store.GetDriver(context.Background(), "d1")
	require.NoError(t, err)
	assert.False(t, d.Online)
}

func TestWebSocketReceivesClaimedRide(t *testing.T) {
	env := newTestEnv(t)
	env.addDriver(t, "d1", 55.7560, 37.6180)
	ts := httptest.NewServer(env.srv)
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/d1", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.ws.Connected("d1") }, time.Second, 5*time.Millisecond)

	set := env.findOffers(t)
	rec := env.do(t, http.MethodPost, "/api/v1/rides/book", map[string]any{"driverId": "d1", "requestId": set.RequestID}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev dispatch.RideEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, dispatch.EventRideAssigned, ev.Type)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !env.ws.Connected("d1") }, time.Second, 5*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	env.srv.ready = func(ctx context.Context) error { return errors.New("db down") }
	rec = env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	env := newTestEnv(t)
	env.srv.mux.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) { panic("boom") })

	rec := env.do(t, http.MethodGet, "/boom", nil, map[string]string{"X-Request-ID": "req-7"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-7", rec.Header().Get("X-Request-ID"))
}
