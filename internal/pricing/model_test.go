package pricing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-offers/internal/models"
)

type fixedDemand struct {
	d   Demand
	err error
}

func (f fixedDemand) DemandWithin(ctx context.Context, p models.Coord, radiusKm float64) (Demand, error) {
	return f.d, f.err
}

func newModel(d DemandSource) *Model {
	return NewModel(DefaultTables(), d, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// Wednesday 2024-03-13 at 11:00: neutral time of day, weekday and season.
var neutral = time.Date(2024, time.March, 13, 11, 0, 0, 0, time.UTC)

func TestDemandThresholds(t *testing.T) {
	tbl := DefaultTables()
	cases := []struct {
		ratio float64
		want  float64
	}{
		{5, 1.8}, {3.0, 1.8}, {2.7, 1.6}, {2.0, 1.4}, {1.6, 1.2},
		{1.0, 1.1}, {0.5, 1.0}, {0.3, 0.95}, {0, 0.95},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, tbl.demand(c.ratio), "ratio %.2f", c.ratio)
	}
}

func TestDemandRatioUsesAtLeastOneDriver(t *testing.T) {
	assert.Equal(t, 3.0, Demand{ActiveRides: 2, PendingRides: 1}.Ratio())
	assert.Equal(t, 0.5, Demand{ActiveRides: 1, AvailableDrivers: 2}.Ratio())
}

func TestNeutralContextIsOne(t *testing.T) {
	m := newModel(fixedDemand{d: Demand{ActiveRides: 1, AvailableDrivers: 2}})
	res, err := m.Multiplier(context.Background(), models.PricingContext{RequestTime: neutral})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, res.Final, 1e-9)
	assert.Equal(t, LevelNormal, res.Level)
	assert.Equal(t, "standard pricing", res.Explanation)
}

func TestComponentsMultiply(t *testing.T) {
	// Friday 21:00 in summer, rain, concert, ratio 2.0.
	at := time.Date(2024, time.July, 12, 21, 0, 0, 0, time.UTC)
	m := newModel(fixedDemand{d: Demand{ActiveRides: 3, PendingRides: 1, AvailableDrivers: 2}})
	res, err := m.Multiplier(context.Background(), models.PricingContext{
		RequestTime: at, Weather: "rain", EventType: "concert",
	})
	require.NoError(t, err)

	assert.Equal(t, 1.4, res.Components[CompDemand])
	assert.Equal(t, 1.2, res.Components[CompTimeOfDay])
	assert.InDelta(t, 1.3*1.1, res.Components[CompDayOfWeek], 1e-9)
	assert.Equal(t, 1.2, res.Components[CompWeather])
	assert.Equal(t, 1.5, res.Components[CompEvent])
	assert.Equal(t, 1.15, res.Components[CompSeason])

	raw := 1.4 * 1.2 * 1.3 * 1.1 * 1.2 * 1.5 * 1.15
	assert.InDelta(t, raw, res.Raw, 1e-9)
	assert.Equal(t, 3.0, res.Final)
	assert.Equal(t, LevelVeryHigh, res.Level)
	assert.Contains(t, res.Explanation, "capped at region maximum x3.00")
	assert.Contains(t, res.Explanation, "concert (x1.50)")
}

func TestMultiplierIsBitStable(t *testing.T) {
	// Friday 21:30 in the year-end season, rain, concert, ratio 1.5.
	at := time.Date(2024, time.December, 27, 21, 30, 0, 0, time.UTC)
	m := newModel(fixedDemand{d: Demand{ActiveRides: 2, PendingRides: 1, AvailableDrivers: 2}})
	pc := models.PricingContext{RequestTime: at, Weather: "rain", EventType: "concert"}

	first, err := m.Multiplier(context.Background(), pc)
	require.NoError(t, err)
	want := 1.0
	for _, name := range componentOrder {
		want *= first.Components[name]
	}
	require.Equal(t, want, first.Raw)

	for i := 0; i < 500; i++ {
		res, err := m.Multiplier(context.Background(), pc)
		require.NoError(t, err)
		require.Equal(t, first.Raw, res.Raw, "call %d", i)
		require.Equal(t, first.Final, res.Final, "call %d", i)
	}
}

func TestRegionBandClamps(t *testing.T) {
	at := time.Date(2024, time.July, 12, 21, 0, 0, 0, time.UTC)
	m := newModel(fixedDemand{d: Demand{ActiveRides: 9}})
	res, err := m.Multiplier(context.Background(), models.PricingContext{RequestTime: at, Region: "regional", Weather: "storm"})
	require.NoError(t, err)
	assert.Equal(t, 1.8, res.Final)

	low := newModel(fixedDemand{d: Demand{AvailableDrivers: 10}})
	res, err = low.Multiplier(context.Background(), models.PricingContext{RequestTime: neutral, Region: "airport"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Final)
	assert.Contains(t, res.Explanation, "raised to region minimum")
}

func TestFinalAlwaysWithinBand(t *testing.T) {
	tbl := DefaultTables()
	rng := rand.New(rand.NewSource(1))
	weathers := []string{"", "clear", "rain", "snow", "storm", "ice", "unknown"}
	events := []string{"", "concert", "sports", "unknown"}
	regions := []string{"", "moscow", "regional", "airport", "nowhere"}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2000; i++ {
		d := Demand{ActiveRides: rng.Intn(20), PendingRides: rng.Intn(10), AvailableDrivers: rng.Intn(15)}
		m := newModel(fixedDemand{d: d})
		region := regions[rng.Intn(len(regions))]
		res, err := m.Multiplier(context.Background(), models.PricingContext{
			RequestTime: start.Add(time.Duration(rng.Intn(366*24)) * time.Hour),
			Region:      region,
			Weather:     weathers[rng.Intn(len(weathers))],
			EventType:   events[rng.Intn(len(events))],
		})
		require.NoError(t, err)
		band := tbl.BandFor(region)
		assert.GreaterOrEqual(t, res.Final, band.Min)
		assert.LessOrEqual(t, res.Final, band.Max)
	}
}

func TestFailingSignalsAreNeutral(t *testing.T) {
	m := newModel(fixedDemand{err: errors.New("db down")})
	m.Weather = weatherFunc(func() (string, error) { return "", errors.New("timeout") })
	res, err := m.Multiplier(context.Background(), models.PricingContext{RequestTime: neutral})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Components[CompDemand])
	assert.Equal(t, 1.0, res.Components[CompWeather])
	assert.InDelta(t, 1.0, res.Final, 1e-9)
}

type weatherFunc func() (string, error)

func (f weatherFunc) Weather(ctx context.Context, p models.Coord) (string, error) { return f() }

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newModel(nil).Multiplier(ctx, models.PricingContext{RequestTime: neutral})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDayOfWeekLateBoost(t *testing.T) {
	tbl := DefaultTables()
	fri19 := time.Date(2024, time.March, 15, 19, 59, 0, 0, time.UTC)
	fri20 := time.Date(2024, time.March, 15, 20, 0, 0, 0, time.UTC)
	sun22 := time.Date(2024, time.March, 17, 22, 0, 0, 0, time.UTC)
	assert.Equal(t, 1.3, tbl.dayOfWeek(fri19))
	assert.InDelta(t, 1.43, tbl.dayOfWeek(fri20), 1e-9)
	assert.Equal(t, 1.2, tbl.dayOfWeek(sun22))
}

func TestSeasonWrapsYearEnd(t *testing.T) {
	tbl := DefaultTables()
	for _, at := range []time.Time{
		time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
	} {
		s, ok := tbl.season(at)
		require.True(t, ok, at.String())
		assert.Equal(t, "year-end holidays", s.Name)
	}
	_, ok := tbl.season(time.Date(2025, 1, 11, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok)

	s, ok := tbl.season(time.Date(2024, 8, 28, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, "school start", s.Name)
}

func TestTimeBucketsCoverDay(t *testing.T) {
	tbl := DefaultTables()
	require.NoError(t, tbl.Validate())
	assert.Len(t, tbl.TimeOfDay, 8)
	for h := 0; h < 24; h++ {
		b, ok := tbl.timeOfDay(time.Date(2024, 3, 13, h, 30, 0, 0, time.UTC))
		require.True(t, ok, "hour %d", h)
		assert.GreaterOrEqual(t, b.Multiplier, 1.0)
		assert.LessOrEqual(t, b.Multiplier, 1.5)
	}
}

func TestWeatherMonotonicWithSeverity(t *testing.T) {
	tbl := DefaultTables()
	order := []string{"clear", "rain", "heavy_rain", "snow", "storm"}
	for i := 1; i < len(order); i++ {
		assert.GreaterOrEqual(t, tbl.Weather[order[i]], tbl.Weather[order[i-1]])
	}
	assert.Equal(t, 1.6, tbl.Weather["ice"])
}

func TestLoadTablesOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"regions":{"kazan":{"min":0.9,"max":1.7}},"events":{"marathon":1.25}}`), 0o600))

	tbl, err := LoadTables(path)
	require.NoError(t, err)
	assert.Equal(t, Band{Min: 0.9, Max: 1.7}, tbl.BandFor("Kazan"))
	assert.Equal(t, 1.25, lookup(tbl.Events, "marathon"))
	assert.Len(t, tbl.TimeOfDay, 8)
}

func TestLoadTablesRejectsBadBand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"default_band":{"min":2,"max":1}}`), 0o600))
	_, err := LoadTables(path)
	assert.Error(t, err)
}
