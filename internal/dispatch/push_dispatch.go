package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-offers/internal/models"
)

// PushDispatcher delivers over the driver's websocket when one is open and
// falls back to the push provider endpoint otherwise.
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushDispatcher(endpoint string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushDispatcher) NotifyRide(ctx context.Context, driverID string, ride models.Ride) error {
	if p.WS != nil {
		err := p.WS.NotifyRide(ctx, driverID, ride)
		if err == nil || p.Endpoint == "" {
			return err
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}

	b, err := json.Marshal(map[string]any{"driver_id": driverID, "event": NewRideEvent(ride)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push ride %s: %w", ride.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push ride %s: status %d", ride.ID, resp.StatusCode)
	}
	return nil
}
