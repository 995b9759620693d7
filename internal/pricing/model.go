package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/example/ride-offers/internal/models"
)

// DefaultRadiusKm is the area demand and supply are counted in.
const DefaultRadiusKm = 5.0

// Demand counts rides and drivers around a point.
type Demand struct {
	ActiveRides      int `json:"activeRides" db:"active_rides"`
	PendingRides     int `json:"pendingRides" db:"pending_rides"`
	AvailableDrivers int `json:"availableDrivers" db:"available_drivers"`
}

// Ratio is (active + pending) / max(available, 1).
func (d Demand) Ratio() float64 {
	supply := d.AvailableDrivers
	if supply < 1 {
		supply = 1
	}
	return float64(d.ActiveRides+d.PendingRides) / float64(supply)
}

type DemandSource interface {
	DemandWithin(ctx context.Context, p models.Coord, radiusKm float64) (Demand, error)
}

type WeatherSource interface {
	Weather(ctx context.Context, p models.Coord) (string, error)
}

type EventSource interface {
	Event(ctx context.Context, p models.Coord, at time.Time) (string, error)
}

type Level string

const (
	LevelLow      Level = "low"
	LevelNormal   Level = "normal"
	LevelModerate Level = "moderate"
	LevelHigh     Level = "high"
	LevelVeryHigh Level = "very_high"
)

func levelOf(m float64) Level {
	switch {
	case m < 0.95:
		return LevelLow
	case m < 1.15:
		return LevelNormal
	case m < 1.5:
		return LevelModerate
	case m < 2.0:
		return LevelHigh
	default:
		return LevelVeryHigh
	}
}

// Component names used in Result.Components.
const (
	CompDemand    = "demand"
	CompTimeOfDay = "time_of_day"
	CompDayOfWeek = "day_of_week"
	CompWeather   = "weather"
	CompEvent     = "event"
	CompSeason    = "season"
)

// componentOrder fixes the multiplication order so equal contexts give
// bit-identical products.
var componentOrder = []string{CompDemand, CompTimeOfDay, CompDayOfWeek, CompWeather, CompEvent, CompSeason}

// Result is computed per request and never cached.
type Result struct {
	Final       float64            `json:"final"`
	Raw         float64            `json:"raw"`
	Components  map[string]float64 `json:"components"`
	Demand      Demand             `json:"demand"`
	Ratio       float64            `json:"ratio"`
	Band        Band               `json:"band"`
	Level       Level              `json:"level"`
	Explanation string             `json:"explanation"`
}

// Model computes the demand multiplier from live counts and context.
type Model struct {
	Tables   Tables
	Demand   DemandSource
	Weather  WeatherSource
	Events   EventSource
	RadiusKm float64
	Logger   *slog.Logger
}

func NewModel(t Tables, demand DemandSource, logger *slog.Logger) *Model {
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{Tables: t, Demand: demand, RadiusKm: DefaultRadiusKm, Logger: logger}
}

// Multiplier returns the clamped multiplier for the context. Missing or
// failing signals count as neutral; only a done context is an error.
func (m *Model) Multiplier(ctx context.Context, pc models.PricingContext) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	at := pc.RequestTime
	if at.IsZero() {
		at = time.Now()
	}
	radius := m.RadiusKm
	if radius <= 0 {
		radius = DefaultRadiusKm
	}

	var labels []labelled
	res := Result{Components: make(map[string]float64, 6)}

	res.Components[CompDemand] = 1.0
	if m.Demand != nil {
		d, err := m.Demand.DemandWithin(ctx, pc.Location, radius)
		switch {
		case err == nil:
			res.Demand = d
			res.Ratio = d.Ratio()
			res.Components[CompDemand] = m.Tables.demand(res.Ratio)
		case ctx.Err() != nil:
			return Result{}, ctx.Err()
		default:
			m.Logger.Warn("demand counts unavailable, using neutral multiplier", "error", err)
		}
	}
	demandName := "high demand"
	if res.Components[CompDemand] < 1 {
		demandName = "low demand"
	}
	labels = append(labels, labelled{CompDemand, demandName})

	res.Components[CompTimeOfDay] = 1.0
	if b, ok := m.Tables.timeOfDay(at); ok {
		res.Components[CompTimeOfDay] = b.Multiplier
		labels = append(labels, labelled{CompTimeOfDay, b.Name})
	}

	res.Components[CompDayOfWeek] = m.Tables.dayOfWeek(at)
	labels = append(labels, labelled{CompDayOfWeek, strings.ToLower(at.Weekday().String())})

	weather := pc.Weather
	if weather == "" && m.Weather != nil {
		w, err := m.Weather.Weather(ctx, pc.Location)
		if err != nil {
			m.Logger.Warn("weather unavailable, using neutral multiplier", "error", err)
		}
		weather = w
	}
	res.Components[CompWeather] = lookup(m.Tables.Weather, weather)
	labels = append(labels, labelled{CompWeather, weather})

	event := pc.EventType
	if event == "" && m.Events != nil {
		e, err := m.Events.Event(ctx, pc.Location, at)
		if err != nil {
			m.Logger.Warn("event lookup failed, using neutral multiplier", "error", err)
		}
		event = e
	}
	res.Components[CompEvent] = lookup(m.Tables.Events, event)
	labels = append(labels, labelled{CompEvent, event})

	res.Components[CompSeason] = 1.0
	if s, ok := m.Tables.season(at); ok {
		res.Components[CompSeason] = s.Multiplier
		labels = append(labels, labelled{CompSeason, s.Name})
	}

	res.Raw = 1.0
	for _, name := range componentOrder {
		res.Raw *= res.Components[name]
	}
	res.Band = m.Tables.BandFor(pc.Region)
	res.Final = res.Band.clamp(res.Raw)
	res.Level = levelOf(res.Final)
	res.Explanation = explain(res, labels)
	return res, nil
}

type labelled struct {
	component string
	name      string
}

func explain(r Result, labels []labelled) string {
	var up, down []string
	for _, l := range labels {
		v := r.Components[l.component]
		if math.Abs(v-1) < 1e-9 {
			continue
		}
		s := fmt.Sprintf("%s (x%.2f)", l.name, v)
		if v > 1 {
			up = append(up, s)
		} else {
			down = append(down, s)
		}
	}
	sort.Strings(up)
	sort.Strings(down)

	var parts []string
	if len(up) > 0 {
		parts = append(parts, "price raised by "+strings.Join(up, ", "))
	}
	if len(down) > 0 {
		parts = append(parts, "price lowered by "+strings.Join(down, ", "))
	}
	if r.Final < r.Raw {
		parts = append(parts, fmt.Sprintf("capped at region maximum x%.2f", r.Band.Max))
	} else if r.Final > r.Raw {
		parts = append(parts, fmt.Sprintf("raised to region minimum x%.2f", r.Band.Min))
	}
	if len(parts) == 0 {
		return "standard pricing"
	}
	return strings.Join(parts, "; ")
}
