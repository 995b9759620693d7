package offers

import (
	"math"
	"sort"

	"github.com/example/ride-offers/internal/models"
)

// DefaultMaxOptions is the menu size when the caller does not set one.
const DefaultMaxOptions = 5

// epsilon floors price and ETA before they are inverted.
const epsilon = 0.01

// Labels shown to the rider, by the rule that picked the offer.
const (
	LabelEconomy  = "Эконом"
	LabelFastest  = "Быстрее всех"
	LabelPremium  = "Премиум"
	LabelStandard = "Стандарт"
)

const (
	premiumMinRating = 4.7
	premiumMinPrice  = 20.0
	economyMaxPrice  = 15.0
)

// Score ranks an offer: cheaper, sooner, better rated and more experienced
// drivers score higher.
func Score(d models.Driver, price, etaMinutes float64) float64 {
	price = math.Max(price, epsilon)
	etaMinutes = math.Max(etaMinutes, epsilon)
	experience := math.Min(float64(d.TripsCount)/100, 1)
	return (1/price)*100 + (1/etaMinutes)*50 + d.Rating*20 + experience*10
}

func Categorize(d models.Driver, price float64) models.Category {
	switch {
	case d.Rating >= premiumMinRating && price > premiumMinPrice:
		return models.CategoryPremium
	case price <= economyMaxPrice:
		return models.CategoryEconomy
	default:
		return models.CategoryStandard
	}
}

// Select builds a menu of at most maxOptions offers with no repeated driver.
// The cheapest economy offer, the fastest offer and the best premium offer
// come first, then the rest by score.
func Select(all []models.Offer, maxOptions int) []models.Offer {
	if maxOptions <= 0 {
		maxOptions = DefaultMaxOptions
	}
	byScore := append([]models.Offer(nil), all...)
	sort.SliceStable(byScore, func(i, j int) bool {
		if byScore[i].Score != byScore[j].Score {
			return byScore[i].Score > byScore[j].Score
		}
		return byScore[i].DriverID < byScore[j].DriverID
	})

	out := make([]models.Offer, 0, maxOptions)
	taken := make(map[string]bool, maxOptions)
	add := func(o models.Offer, label string) {
		if len(out) >= maxOptions || taken[o.DriverID] {
			return
		}
		o.Label = label
		out = append(out, o)
		taken[o.DriverID] = true
	}

	if o, ok := pick(byScore, func(o models.Offer) bool { return o.Category == models.CategoryEconomy }, func(a, b models.Offer) bool {
		return a.Pricing.TotalCost < b.Pricing.TotalCost
	}); ok {
		add(o, LabelEconomy)
	}
	if o, ok := pick(byScore, nil, func(a, b models.Offer) bool {
		return a.Logistics.EstimatedArrival < b.Logistics.EstimatedArrival
	}); ok {
		add(o, LabelFastest)
	}
	if o, ok := pick(byScore, func(o models.Offer) bool { return o.Category == models.CategoryPremium }, nil); ok {
		add(o, LabelPremium)
	}
	for _, o := range byScore {
		add(o, LabelStandard)
	}
	return out
}

// pick returns the first offer matching keep that is strictly better than
// every earlier one under less. With a nil less it returns the first match,
// which is the best scored one since offers are sorted by score.
func pick(sorted []models.Offer, keep func(models.Offer) bool, less func(a, b models.Offer) bool) (models.Offer, bool) {
	var best models.Offer
	found := false
	for _, o := range sorted {
		if keep != nil && !keep(o) {
			continue
		}
		if !found || (less != nil && less(o, best)) {
			best, found = o, true
			if less == nil {
				break
			}
		}
	}
	return best, found
}
