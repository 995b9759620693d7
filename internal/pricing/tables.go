package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Threshold maps a demand/supply ratio at or above Min to a multiplier.
type Threshold struct {
	Min        float64 `json:"min"`
	Multiplier float64 `json:"multiplier"`
}

// TimeBucket covers the hours [Start, End).
type TimeBucket struct {
	Name       string  `json:"name"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Multiplier float64 `json:"multiplier"`
}

// Season is an inclusive month/day range. A range whose start is after its end
// wraps across the new year.
type Season struct {
	Name       string  `json:"name"`
	StartMonth int     `json:"start_month"`
	StartDay   int     `json:"start_day"`
	EndMonth   int     `json:"end_month"`
	EndDay     int     `json:"end_day"`
	Multiplier float64 `json:"multiplier"`
}

func (s Season) contains(t time.Time) bool {
	md := int(t.Month())*100 + t.Day()
	from := s.StartMonth*100 + s.StartDay
	to := s.EndMonth*100 + s.EndDay
	if from <= to {
		return md >= from && md <= to
	}
	return md >= from || md <= to
}

// Band bounds the final multiplier of a region.
type Band struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (b Band) clamp(v float64) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

// Tables is the data behind every multiplier component. New regions, events
// or weather states are added here, not in code.
type Tables struct {
	DemandThresholds    []Threshold        `json:"demand_thresholds"`
	LowDemandRatio      float64            `json:"low_demand_ratio"`
	LowDemandMultiplier float64            `json:"low_demand_multiplier"`
	TimeOfDay           []TimeBucket       `json:"time_of_day"`
	DayOfWeek           map[string]float64 `json:"day_of_week"`
	LateWeekendHour     int                `json:"late_weekend_hour"`
	LateWeekendBoost    float64            `json:"late_weekend_boost"`
	Weather             map[string]float64 `json:"weather"`
	Events              map[string]float64 `json:"events"`
	Seasons             []Season           `json:"seasons"`
	DefaultBand         Band               `json:"default_band"`
	Regions             map[string]Band    `json:"regions"`
}

func DefaultTables() Tables {
	return Tables{
		DemandThresholds: []Threshold{
			{Min: 3.0, Multiplier: 1.8},
			{Min: 2.5, Multiplier: 1.6},
			{Min: 2.0, Multiplier: 1.4},
			{Min: 1.5, Multiplier: 1.2},
			{Min: 1.0, Multiplier: 1.1},
		},
		LowDemandRatio:      0.3,
		LowDemandMultiplier: 0.95,
		TimeOfDay: []TimeBucket{
			{Name: "night", Start: 0, End: 5, Multiplier: 1.3},
			{Name: "early morning", Start: 5, End: 7, Multiplier: 1.0},
			{Name: "morning rush", Start: 7, End: 10, Multiplier: 1.4},
			{Name: "late morning", Start: 10, End: 12, Multiplier: 1.0},
			{Name: "midday", Start: 12, End: 14, Multiplier: 1.1},
			{Name: "afternoon", Start: 14, End: 17, Multiplier: 1.0},
			{Name: "evening rush", Start: 17, End: 20, Multiplier: 1.5},
			{Name: "evening", Start: 20, End: 24, Multiplier: 1.2},
		},
		DayOfWeek: map[string]float64{
			"monday": 1.0, "tuesday": 1.0, "wednesday": 1.0, "thursday": 1.0,
			"friday": 1.3, "saturday": 1.4, "sunday": 1.2,
		},
		LateWeekendHour:  20,
		LateWeekendBoost: 1.1,
		Weather: map[string]float64{
			"clear": 1.0, "cloudy": 1.0, "fog": 1.2, "rain": 1.2,
			"heavy_rain": 1.3, "snow": 1.4, "storm": 1.6, "ice": 1.6,
		},
		Events: map[string]float64{
			"concert": 1.5, "sports": 1.4, "festival": 1.3, "holiday": 1.3, "conference": 1.2,
		},
		Seasons: []Season{
			{Name: "year-end holidays", StartMonth: 12, StartDay: 20, EndMonth: 1, EndDay: 10, Multiplier: 1.3},
			{Name: "school start", StartMonth: 8, StartDay: 25, EndMonth: 9, EndDay: 5, Multiplier: 1.1},
			{Name: "summer season", StartMonth: 6, StartDay: 1, EndMonth: 8, EndDay: 31, Multiplier: 1.15},
		},
		DefaultBand: Band{Min: 0.5, Max: 3.0},
		Regions: map[string]Band{
			"moscow":     {Min: 0.8, Max: 2.5},
			"spb":        {Min: 0.8, Max: 2.2},
			"regional":   {Min: 0.9, Max: 1.8},
			"suburban":   {Min: 0.9, Max: 2.0},
			"airport":    {Min: 1.0, Max: 2.5},
			"city-night": {Min: 1.0, Max: 3.0},
		},
	}
}

// LoadTables overlays a JSON file on top of DefaultTables. Keys missing from
// the file keep their default values.
func LoadTables(path string) (Tables, error) {
	t := DefaultTables()
	if path == "" {
		return t, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read pricing tables: %w", err)
	}
	if err := json.Unmarshal(b, &t); err != nil {
		return t, fmt.Errorf("decode pricing tables: %w", err)
	}
	return t, t.Validate()
}

// Validate checks that the tables describe a total, bounded model.
func (t Tables) Validate() error {
	var errs []error
	if t.DefaultBand.Min <= 0 || t.DefaultBand.Min > t.DefaultBand.Max {
		errs = append(errs, fmt.Errorf("default band %v is invalid", t.DefaultBand))
	}
	for name, b := range t.Regions {
		if b.Min <= 0 || b.Min > b.Max {
			errs = append(errs, fmt.Errorf("region %q band %v is invalid", name, b))
		}
	}
	buckets := append([]TimeBucket(nil), t.TimeOfDay...)
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start < buckets[j].Start })
	next := 0
	for _, b := range buckets {
		if b.Start != next || b.End <= b.Start {
			errs = append(errs, fmt.Errorf("time bucket %q [%d,%d) leaves a gap or overlaps", b.Name, b.Start, b.End))
		}
		next = b.End
	}
	if next != 24 {
		errs = append(errs, errors.New("time buckets must cover the whole day"))
	}
	for i := 1; i < len(t.DemandThresholds); i++ {
		if t.DemandThresholds[i].Min >= t.DemandThresholds[i-1].Min {
			errs = append(errs, errors.New("demand thresholds must be in descending order"))
			break
		}
	}
	return errors.Join(errs...)
}

// BandFor returns the band of the region, or the default band.
func (t Tables) BandFor(region string) Band {
	if b, ok := t.Regions[strings.ToLower(region)]; ok {
		return b
	}
	return t.DefaultBand
}

func (t Tables) demand(ratio float64) float64 {
	for _, th := range t.DemandThresholds {
		if ratio >= th.Min {
			return th.Multiplier
		}
	}
	if ratio <= t.LowDemandRatio {
		return t.LowDemandMultiplier
	}
	return 1.0
}

func (t Tables) timeOfDay(at time.Time) (TimeBucket, bool) {
	h := at.Hour()
	for _, b := range t.TimeOfDay {
		if h >= b.Start && h < b.End {
			return b, true
		}
	}
	return TimeBucket{}, false
}

func (t Tables) dayOfWeek(at time.Time) float64 {
	m, ok := t.DayOfWeek[strings.ToLower(at.Weekday().String())]
	if !ok {
		m = 1.0
	}
	wd := at.Weekday()
	if (wd == time.Friday || wd == time.Saturday) && at.Hour() >= t.LateWeekendHour && t.LateWeekendBoost > 0 {
		m *= t.LateWeekendBoost
	}
	return m
}

func (t Tables) season(at time.Time) (Season, bool) {
	for _, s := range t.Seasons {
		if s.contains(at) {
			return s, true
		}
	}
	return Season{}, false
}

func lookup(table map[string]float64, key string) float64 {
	if key == "" {
		return 1.0
	}
	if v, ok := table[strings.ToLower(key)]; ok {
		return v
	}
	return 1.0
}
