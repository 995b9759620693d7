package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ride-offers/internal/models"
)

const maxOSRMResponse = 1 << 20

// OSRMClient asks an OSRM server for road distance and duration. Profile
// defaults to "driving".
type OSRMClient struct {
	Endpoint string
	Profile  string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"` // seconds
		Distance float64 `json:"distance"` // meters
	} `json:"routes"`
}

func (o *OSRMClient) routeURL(from, to models.Coord) string {
	profile := o.Profile
	if profile == "" {
		profile = "driving"
	}
	coords := fmt.Sprintf("%.6f,%.6f;%.6f,%.6f", from.Lon, from.Lat, to.Lon, to.Lat)
	q := url.Values{"overview": {"false"}, "alternatives": {"false"}, "steps": {"false"}}
	return o.Endpoint + "/route/v1/" + url.PathEscape(profile) + "/" + coords + "?" + q.Encode()
}

// Estimate returns the fastest road route. The leg does not change the query:
// OSRM durations already reflect the road network.
func (o *OSRMClient) Estimate(ctx context.Context, from, to models.Coord, leg Leg) (models.RouteEstimate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.routeURL(from, to), http.NoBody)
	if err != nil {
		return models.RouteEstimate{}, upstream(err)
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return models.RouteEstimate{}, upstream(err)
	}
	defer resp.Body.Close()

	var out osrmResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxOSRMResponse)).Decode(&out)
	if resp.StatusCode != http.StatusOK {
		return models.RouteEstimate{}, upstream(fmt.Errorf("osrm %s leg: status %d %s", leg, resp.StatusCode, out.Message))
	}
	if decodeErr != nil {
		return models.RouteEstimate{}, upstream(fmt.Errorf("decode osrm response: %w", decodeErr))
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.RouteEstimate{}, upstream(fmt.Errorf("osrm %s leg: %s %s", leg, out.Code, out.Message))
	}
	r := out.Routes[0]
	return models.RouteEstimate{DistanceKm: r.Distance / 1000, ETAMinutes: r.Duration / 60}, nil
}
