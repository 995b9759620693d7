package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-offers/internal/models"
)

const earthRadiusKm = 6371.0

// cellPrecision gives cells of roughly 4.9km x 4.9km.
const cellPrecision = 5

// maxCells bounds the cell walk; wider queries scan every cell instead.
const maxCells = 4096

// Geo is the spatial index the engine and the location ingest share.
type Geo interface {
	Nearby(ctx context.Context, p models.Coord, radiusKm float64) ([]string, error)
	Upsert(ctx context.Context, d models.Driver) error
	Remove(ctx context.Context, driverID string) error
}

type entry struct {
	id  string
	loc models.Coord
}

type cell struct {
	mu      sync.RWMutex
	drivers map[string]entry
}

// Index keeps bookable drivers bucketed by geohash cell. Every cell has its own
// lock, so a query only ever holds read locks on the cells it walks.
type Index struct {
	mu    sync.RWMutex
	cells map[string]*cell

	posMu sync.Mutex
	pos   map[string]string
}

func NewIndex() *Index {
	return &Index{cells: make(map[string]*cell), pos: make(map[string]string)}
}

func (g *Index) cellFor(hash string, create bool) *cell {
	g.mu.RLock()
	c, ok := g.cells[hash]
	g.mu.RUnlock()
	if ok || !create {
		return c
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok = g.cells[hash]; !ok {
		c = &cell{drivers: make(map[string]entry)}
		g.cells[hash] = c
	}
	return c
}

// Upsert moves the driver to its current cell. Drivers that cannot take a
// ride are removed from the index.
func (g *Index) Upsert(ctx context.Context, d models.Driver) error {
	if !d.Bookable() {
		return g.Remove(ctx, d.ID)
	}
	hash := encode(d.Loc.Lat, d.Loc.Lon)

	g.posMu.Lock()
	defer g.posMu.Unlock()
	if prev, ok := g.pos[d.ID]; ok && prev != hash {
		if c := g.cellFor(prev, false); c != nil {
			c.mu.Lock()
			delete(c.drivers, d.ID)
			c.mu.Unlock()
		}
	}
	c := g.cellFor(hash, true)
	c.mu.Lock()
	c.drivers[d.ID] = entry{id: d.ID, loc: d.Loc}
	c.mu.Unlock()
	g.pos[d.ID] = hash
	return nil
}

func (g *Index) Remove(ctx context.Context, driverID string) error {
	g.posMu.Lock()
	defer g.posMu.Unlock()
	hash, ok := g.pos[driverID]
	if !ok {
		return nil
	}
	if c := g.cellFor(hash, false); c != nil {
		c.mu.Lock()
		delete(c.drivers, driverID)
		c.mu.Unlock()
	}
	delete(g.pos, driverID)
	return nil
}

// Nearby returns ids of drivers within radiusKm of p, nearest first.
func (g *Index) Nearby(ctx context.Context, p models.Coord, radiusKm float64) ([]string, error) {
	if radiusKm <= 0 {
		return nil, nil
	}
	hashes, ok := coveringCells(p, radiusKm)
	var cells []*cell
	if ok {
		cells = make([]*cell, 0, len(hashes))
		for _, h := range hashes {
			if c := g.cellFor(h, false); c != nil {
				cells = append(cells, c)
			}
		}
	} else {
		g.mu.RLock()
		cells = make([]*cell, 0, len(g.cells))
		for _, c := range g.cells {
			cells = append(cells, c)
		}
		g.mu.RUnlock()
	}

	type hit struct {
		id   string
		dist float64
	}
	var hits []hit
	for _, c := range cells {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.mu.RLock()
		for _, e := range c.drivers {
			if d := HaversineKm(p, e.loc); d <= radiusKm {
				hits = append(hits, hit{e.id, d})
			}
		}
		c.mu.RUnlock()
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist == hits[j].dist {
			return hits[i].id < hits[j].id
		}
		return hits[i].dist < hits[j].dist
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.id
	}
	return out, nil
}

// coveringCells lists every geohash cell intersecting the bounding box of the
// circle. It reports false when the box needs more than maxCells cells.
func coveringCells(p models.Coord, radiusKm float64) ([]string, bool) {
	dLat := radiusKm / earthRadiusKm * 180 / math.Pi
	minLat := math.Max(p.Lat-dLat, -90)
	maxLat := math.Min(p.Lat+dLat, 90)

	var dLon float64
	cosLat := math.Cos(math.Max(math.Abs(minLat), math.Abs(maxLat)) * math.Pi / 180)
	if cosLat < 1e-6 {
		dLon = 180
	} else {
		dLon = math.Min(dLat/cosLat, 180)
	}
	minLon, maxLon := p.Lon-dLon, p.Lon+dLon

	box := geohash.BoundingBox(encode(p.Lat, p.Lon))
	stepLat := (box.MaxLat - box.MinLat) / 2
	stepLon := (box.MaxLng - box.MinLng) / 2
	rows := int((maxLat-minLat)/stepLat) + 2
	cols := int((maxLon-minLon)/stepLon) + 2
	if rows*cols > maxCells*4 {
		return nil, false
	}

	seen := make(map[string]struct{})
	for i := 0; i < rows; i++ {
		lat := math.Min(minLat+float64(i)*stepLat, maxLat)
		for j := 0; j < cols; j++ {
			lon := normalizeLon(math.Min(minLon+float64(j)*stepLon, maxLon))
			seen[encode(lat, lon)] = struct{}{}
		}
	}
	if len(seen) > maxCells {
		return nil, false
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	return out, true
}

// encode keeps the coordinate strictly inside the geohash range; the encoder
// wraps at exactly +90 and +180.
func encode(lat, lon float64) string {
	lat = math.Min(lat, 89.9999999)
	lon = normalizeLon(lon)
	return geohash.EncodeWithPrecision(lat, lon, cellPrecision)
}

func normalizeLon(lon float64) float64 {
	for lon < -180 {
		lon += 360
	}
	for lon >= 180 {
		lon -= 360
	}
	return lon
}

// HaversineKm is the great-circle distance in kilometres.
func HaversineKm(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	h = math.Min(math.Max(h, 0), 1)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}
