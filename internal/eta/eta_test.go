package eta

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-offers/internal/apperr"
	"github.com/example/ride-offers/internal/models"
)

var (
	a = models.Coord{Lat: 55.7558, Lon: 37.6173}
	b = models.Coord{Lat: 55.8458, Lon: 37.6173} // ~10 km north
)

func TestStraightUsesLegSpeed(t *testing.T) {
	pickup := Straight(a, b, LegToPickup)
	trip := Straight(a, b, LegTrip)

	assert.InDelta(t, 10.0, pickup.DistanceKm, 0.05)
	assert.Equal(t, pickup.DistanceKm, trip.DistanceKm)
	assert.InDelta(t, pickup.DistanceKm/40*60, pickup.ETAMinutes, 1e-9)
	assert.InDelta(t, trip.DistanceKm/30*60, trip.ETAMinutes, 1e-9)
	assert.False(t, trip.Degraded)
}

type failing struct{ calls int }

func (f *failing) Estimate(ctx context.Context, from, to models.Coord, leg Leg) (models.RouteEstimate, error) {
	f.calls++
	return models.RouteEstimate{}, apperr.Upstream("route", errors.New("boom"))
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFallbackDegradesOnUpstreamError(t *testing.T) {
	f := &Fallback{Primary: &failing{}, Logger: quietLogger()}
	est, err := f.Estimate(context.Background(), a, b, LegTrip)

	require.NoError(t, err)
	assert.True(t, est.Degraded)
	assert.Equal(t, Straight(a, b, LegTrip).ETAMinutes, est.ETAMinutes)
}

func TestFallbackReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &Fallback{Primary: &failing{}, Logger: quietLogger()}
	_, err := f.Estimate(ctx, a, b, LegTrip)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCacheMemoizesPerLeg(t *testing.T) {
	inner := &failing{}
	c := NewCache(&Fallback{Primary: inner, Logger: quietLogger()})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Estimate(ctx, a, b, LegTrip)
		require.NoError(t, err)
	}
	_, err := c.Estimate(ctx, a, b, LegToPickup)
	require.NoError(t, err)

	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, 2, c.Len())
}

func TestOSRMClientParsesRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/route/v1/driving/")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":900,"distance":12500}]}`))
	}))
	defer srv.Close()

	est, err := NewOSRMClient(srv.URL).Estimate(context.Background(), a, b, LegTrip)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, est.DistanceKm, 1e-9)
	assert.InDelta(t, 15.0, est.ETAMinutes, 1e-9)
}

func TestOSRMClientNoRouteIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).Estimate(context.Background(), a, b, LegTrip)
	assert.ErrorIs(t, err, apperr.ErrUpstream)
}

func TestOSRMClientServerErrorIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "false", r.URL.Query().Get("overview"))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"InvalidQuery","message":"Query string malformed"}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL+"/").Estimate(context.Background(), a, b, LegToPickup)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Contains(t, err.Error(), "Query string malformed")
}
