package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-offers/internal/models"
)

const (
	DefaultLocationTopic = "driver-locations"
	DefaultRideTopic     = "ride-events"
	EventRideClaimed     = "ride.claimed"
	publishTimeout       = 2 * time.Second
)

// LocationUpdate is a driver position ping.
type LocationUpdate struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at"`
}

func (u LocationUpdate) Coord() models.Coord { return models.Coord{Lat: u.Lat, Lon: u.Lon} }

// RideEvent is published on the ride topic.
type RideEvent struct {
	Type           string    `json:"type"`
	RideID         string    `json:"ride_id"`
	RequestID      string    `json:"request_id"`
	RiderID        string    `json:"rider_id"`
	DriverID       string    `json:"driver_id"`
	EstimatedPrice float64   `json:"estimated_price"`
	Status         string    `json:"status"`
	At             time.Time `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	locations messageWriter
	rides     messageWriter
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.LeastBytes{}}),
		rides:     kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: rideTopic, Balancer: &kafka.Hash{}}),
	}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, u LocationUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b})
}

// PublishRideClaimed is keyed by driver so one driver's events stay ordered.
func (k *KafkaProducer) PublishRideClaimed(ctx context.Context, r models.Ride) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	b, err := json.Marshal(RideEvent{
		Type:           EventRideClaimed,
		RideID:         r.ID,
		RequestID:      r.RequestID,
		RiderID:        r.RiderID,
		DriverID:       r.DriverID,
		EstimatedPrice: r.EstimatedPrice,
		Status:         string(r.Status),
		At:             time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return k.rides.WriteMessages(ctx, kafka.Message{Key: []byte(r.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []messageWriter{k.locations, k.rides} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
