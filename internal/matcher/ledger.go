package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-offers/internal/apperr"
	"github.com/example/ride-offers/internal/models"
)

// IssuedOffer is what a claim is checked against.
type IssuedOffer struct {
	Price            float64              `json:"price"`
	Currency         string               `json:"currency"`
	EstimatedArrival float64              `json:"estimatedArrival"`
	Driver           models.DriverSummary `json:"driver"`
}

// Issued is the record of one offer set.
type Issued struct {
	RequestID  string                 `json:"requestId"`
	RiderID    string                 `json:"riderId,omitempty"`
	Pickup     models.Coord           `json:"pickup"`
	Dropoff    models.Coord           `json:"dropoff"`
	ValidUntil time.Time              `json:"validUntil"`
	Offers     map[string]IssuedOffer `json:"offers"`
}

func issuedFrom(req models.RideRequest, set models.OfferSet) Issued {
	is := Issued{
		RequestID:  set.RequestID,
		RiderID:    req.RiderID,
		Pickup:     req.Pickup,
		Dropoff:    req.Dropoff,
		ValidUntil: set.ValidUntil,
		Offers:     make(map[string]IssuedOffer, len(set.Options)),
	}
	for _, o := range set.Options {
		is.Offers[o.DriverID] = IssuedOffer{
			Price:            o.Pricing.TotalCost,
			Currency:         o.Pricing.Currency,
			EstimatedArrival: o.Logistics.EstimatedArrival,
			Driver:           o.Driver,
		}
	}
	return is
}

// Ledger remembers issued offer sets until they can no longer be claimed.
type Ledger interface {
	Record(ctx context.Context, is Issued) error
	Lookup(ctx context.Context, requestID string) (Issued, error)
	// Prune drops sets that expired before now and reports how many went.
	Prune(ctx context.Context, now time.Time) (int, error)
}

// ledgerGrace keeps expired sets around long enough to answer "expired"
// instead of "not found".
const ledgerGrace = time.Hour

// memoryPruneEvery is how often Record sweeps the in-process ledger.
const memoryPruneEvery = 5 * time.Minute

// MemoryLedger keeps issued sets in process. Record drops dead sets itself, so
// the map stays bounded without an outside sweeper.
type MemoryLedger struct {
	mu        sync.RWMutex
	sets      map[string]Issued
	now       func() time.Time
	lastPrune time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{sets: make(map[string]Issued), now: time.Now, lastPrune: time.Now()}
}

// SetClock replaces the time source used for the sweep in Record.
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.lastPrune = now()
	l.mu.Unlock()
}

func (l *MemoryLedger) Record(ctx context.Context, is Issued) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now := l.now(); now.Sub(l.lastPrune) >= memoryPruneEvery {
		l.pruneLocked(now)
	}
	l.sets[is.RequestID] = is
	return nil
}

// Len reports how many sets are held.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sets)
}

func (l *MemoryLedger) Lookup(ctx context.Context, requestID string) (Issued, error) {
	l.mu.RLock()
	is, ok := l.sets[requestID]
	l.mu.RUnlock()
	if !ok {
		return Issued{}, apperr.NotFound("Lookup", "offer set %s not found", requestID)
	}
	return is, nil
}

func (l *MemoryLedger) Prune(ctx context.Context, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(now), nil
}

func (l *MemoryLedger) pruneLocked(now time.Time) int {
	l.lastPrune = now
	cutoff := now.Add(-ledgerGrace)
	n := 0
	for id, is := range l.sets {
		if is.ValidUntil.Before(cutoff) {
			delete(l.sets, id)
			n++
		}
	}
	return n
}

// RedisLedger shares issued sets between API replicas. Keys carry a TTL, so
// Prune has nothing to do.
type RedisLedger struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "offers:"
	}
	return &RedisLedger{client: client, prefix: prefix, now: time.Now}
}

func (l *RedisLedger) Record(ctx context.Context, is Issued) error {
	b, err := json.Marshal(is)
	if err != nil {
		return err
	}
	ttl := is.ValidUntil.Sub(l.now()) + ledgerGrace
	if ttl <= 0 {
		return nil
	}
	if err := l.client.Set(ctx, l.prefix+is.RequestID, b, ttl).Err(); err != nil {
		return fmt.Errorf("record offer set: %w", err)
	}
	return nil
}

func (l *RedisLedger) Lookup(ctx context.Context, requestID string) (Issued, error) {
	b, err := l.client.Get(ctx, l.prefix+requestID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Issued{}, apperr.NotFound("Lookup", "offer set %s not found", requestID)
	}
	if err != nil {
		return Issued{}, fmt.Errorf("lookup offer set: %w", err)
	}
	var is Issued
	if err := json.Unmarshal(b, &is); err != nil {
		return Issued{}, fmt.Errorf("decode offer set: %w", err)
	}
	return is, nil
}

func (l *RedisLedger) Prune(ctx context.Context, now time.Time) (int, error) { return 0, nil }
