package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-offers/internal/apperr"
	"github.com/example/ride-offers/internal/geo"
	"github.com/example/ride-offers/internal/models"
	"github.com/example/ride-offers/internal/observability"
	"github.com/example/ride-offers/internal/storage"
)

// Applier writes location pings to the driver repository and the geo index.
type Applier struct {
	Geo      geo.Geo
	Drivers  storage.DriverRepository
	Logger   *slog.Logger
	Attempts int
	Delay    time.Duration
}

// Apply stores the ping and re-indexes the driver with its current
// availability, retrying transient failures with exponential backoff.
func (a *Applier) Apply(ctx context.Context, u LocationUpdate) error {
	if u.DriverID == "" || !u.Coord().Valid() {
		return apperr.Validation("Apply", "invalid location update for %q", u.DriverID)
	}
	attempts := a.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := a.Delay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = a.apply(ctx, u); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (a *Applier) apply(ctx context.Context, u LocationUpdate) error {
	ping := models.Driver{ID: u.DriverID, Loc: u.Coord(), Online: u.Online, Updated: u.At}
	if err := a.Drivers.UpdateLocation(ctx, ping); err != nil {
		return err
	}
	d, err := a.Drivers.GetDriver(ctx, u.DriverID)
	if err != nil {
		return err
	}
	return a.Geo.Upsert(ctx, d)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer feeds location messages from Kafka into an Applier.
type Consumer struct {
	reader  messageReader
	applier *Applier
	logger  *slog.Logger
}

func NewConsumer(brokers []string, topic, group string, applier *Applier, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return newConsumer(r, applier, logger)
}

func newConsumer(r messageReader, applier *Applier, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: r, applier: applier, logger: logger}
}

// Run consumes until ctx is done. Read errors back off up to 30s.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("shutting down consumer")
				return nil
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	observability.LocationsConsumed.WithLabelValues("received").Inc()
	var u LocationUpdate
	if err := json.Unmarshal(m.Value, &u); err != nil {
		observability.LocationsConsumed.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid location message", "offset", m.Offset, "error", err)
		return
	}
	if err := c.applier.Apply(ctx, u); err != nil {
		observability.LocationsConsumed.WithLabelValues("failed").Inc()
		c.logger.Error("location update failed", "driver_id", u.DriverID, "error", err)
		return
	}
	observability.LocationsConsumed.WithLabelValues("applied").Inc()
}

func (c *Consumer) Close() error { return c.reader.Close() }
